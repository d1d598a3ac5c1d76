package binaryproto

import (
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/wire"
)

// ConnectionParam is one key/value pair of the handshake's parameter list
// (spec.md §6), e.g. "user", "database".
type ConnectionParam struct {
	Name  string
	Value string
}

// ClientHandshake is the parsed `V` message: requested protocol version,
// connection parameters and requested extensions.
type ClientHandshake struct {
	Major, Minor uint16
	Params       []ConnectionParam
	Extensions   []string
}

func (h *ClientHandshake) param(name string) (string, bool) {
	for _, p := range h.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

func readClientHandshake(r *wire.ReadBuffer) (*ClientHandshake, error) {
	major, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	minor, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	nParams, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	params := make([]ConnectionParam, 0, nParams)
	for i := uint16(0); i < nParams; i++ {
		k, err := r.ReadLenString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadLenString()
		if err != nil {
			return nil, err
		}
		params = append(params, ConnectionParam{Name: k, Value: v})
	}
	nExt, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	extensions := make([]string, 0, nExt)
	for i := uint16(0); i < nExt; i++ {
		name, err := r.ReadLenString()
		if err != nil {
			return nil, err
		}
		// Per-extension headers are read and discarded: this module does
		// not implement any optional extension (spec.md §1 scope), so
		// there is nothing to dispatch them to.
		if _, err := readHeaders(r); err != nil {
			return nil, err
		}
		extensions = append(extensions, name)
	}
	return &ClientHandshake{Major: major, Minor: minor, Params: params, Extensions: extensions}, nil
}

// negotiate clamps the client's requested version into [min, max]. The
// caller must send a ServerHandshake reply whenever the negotiated version
// differs from the client's request (spec.md §4.D).
func negotiate(requested, min, max compiler.ProtocolVersion) compiler.ProtocolVersion {
	return requested.Clamp(min, max)
}

func writeServerHandshake(w *wire.WriteBuffer, negotiated compiler.ProtocolVersion) {
	w.NewMessage(kindServerHandshake)
	w.PutUint16(negotiated.Major)
	w.PutUint16(negotiated.Minor)
	w.PutUint16(0) // no extensions granted
	w.EndMessage()
}
