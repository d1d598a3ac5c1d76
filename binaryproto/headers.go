package binaryproto

import "github.com/mevdschee/dbfrontend/wire"

// Header is one key/value entry of a binary-protocol header block: `(u16
// count, (u16 key, u32 len, bytes)×count)` per spec.md §6.
type Header struct {
	Key   uint16
	Value []byte
}

func readHeaders(r *wire.ReadBuffer) ([]Header, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	headers := make([]Header, 0, n)
	for i := uint16(0); i < n; i++ {
		key, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		value, err := r.ReadLenBytes()
		if err != nil {
			return nil, err
		}
		headers = append(headers, Header{Key: key, Value: value})
	}
	return headers, nil
}

func writeHeaders(w *wire.WriteBuffer, headers []Header) {
	w.PutUint16(uint16(len(headers)))
	for _, h := range headers {
		w.PutUint16(h.Key)
		w.PutBytes(h.Value)
	}
}

func findHeader(headers []Header, key uint16) ([]byte, bool) {
	for _, h := range headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}
