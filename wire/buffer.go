// Package wire implements the length-prefixed framing primitives shared by
// the EdgeDB binary protocol: a typed message builder (WriteBuffer) and a
// typed message reader (ReadBuffer) operating over a single message's
// payload. The PostgreSQL-compatible side of this module reuses
// github.com/jackc/pgx/v5/pgproto3 for its own framing instead of this
// package, since PG's length convention (inclusive of the length field)
// and message catalog differ from EdgeDB binary's (exclusive length).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrConnectionAborted is returned by a flush sink whose transport has
// already been closed.
var ErrConnectionAborted = errors.New("wire: connection aborted")

// WriteBuffer builds one or more length-prefixed messages. Call NewMessage
// to start a message, typed Put* methods to append its payload, and
// EndMessage to patch in the final length. Concatenating a finished
// WriteBuffer into another is a cheap append via WriteBuffer.Append.
type WriteBuffer struct {
	buf      []byte
	msgStart int
	open     bool
}

// NewMessage starts a new message of the given kind. The length field is
// reserved now and patched by EndMessage.
func (w *WriteBuffer) NewMessage(kind byte) {
	if w.open {
		panic("wire: NewMessage called while a message is still open")
	}
	w.msgStart = len(w.buf)
	w.buf = append(w.buf, kind, 0, 0, 0, 0)
	w.open = true
}

func (w *WriteBuffer) mustBeOpen() {
	if !w.open {
		panic("wire: write to WriteBuffer with no open message")
	}
}

func (w *WriteBuffer) PutUint8(v uint8) {
	w.mustBeOpen()
	w.buf = append(w.buf, v)
}

func (w *WriteBuffer) PutUint16(v uint16) {
	w.mustBeOpen()
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *WriteBuffer) PutUint32(v uint32) {
	w.mustBeOpen()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *WriteBuffer) PutUint64(v uint64) {
	w.mustBeOpen()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutBytes appends a 32-bit length-prefixed byte string. A nil slice is
// encoded with length -1 (the PG-Bind-values NULL convention); a non-nil
// empty slice is encoded with length 0, the EdgeDB binary form of an
// empty-but-present value.
func (w *WriteBuffer) PutBytes(b []byte) {
	w.mustBeOpen()
	if b == nil {
		w.PutUint32(0xFFFFFFFF) // -1 as uint32
		return
	}
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutLenString appends a 32-bit length-prefixed UTF-8 string (the EdgeDB
// binary convention for header keys/values and the handshake parameter
// list).
func (w *WriteBuffer) PutLenString(s string) {
	w.PutBytes([]byte(s))
}

// PutCString appends a null-terminated string (the PG startup-parameter
// convention, reused by a handful of EdgeDB-binary-adjacent call sites).
func (w *WriteBuffer) PutCString(s string) {
	w.mustBeOpen()
	w.buf = append(w.buf, []byte(s)...)
	w.buf = append(w.buf, 0)
}

func (w *WriteBuffer) PutUUID(u [16]byte) {
	w.mustBeOpen()
	w.buf = append(w.buf, u[:]...)
}

// Append writes the fully-finished contents of other into w, outside of any
// currently-open message. Used to concatenate pre-built sub-messages (e.g.
// injected PARSE actions ahead of a client's action) cheaply.
func (w *WriteBuffer) Append(other *WriteBuffer) {
	if other.open {
		panic("wire: Append of a WriteBuffer with an open message")
	}
	w.buf = append(w.buf, other.buf...)
}

// EndMessage patches the reserved length field with the payload size,
// following the EdgeDB binary framing convention of spec.md §3: the length
// field is exclusive of itself (unlike PG, whose length is inclusive of its
// own 4 bytes).
func (w *WriteBuffer) EndMessage() {
	if !w.open {
		panic("wire: EndMessage called with no open message")
	}
	length := len(w.buf) - w.msgStart - 5 // exclude 1-byte kind + 4-byte length field
	binary.BigEndian.PutUint32(w.buf[w.msgStart+1:w.msgStart+5], uint32(length))
	w.open = false
}

// Bytes returns the accumulated, finished bytes.
func (w *WriteBuffer) Bytes() []byte { return w.buf }

// Len reports the number of finished + in-progress bytes accumulated.
func (w *WriteBuffer) Len() int { return len(w.buf) }

// Reset clears the buffer for reuse.
func (w *WriteBuffer) Reset() {
	w.buf = w.buf[:0]
	w.open = false
}

// ReadBuffer is a cursor over a single message's payload (the bytes after
// the kind tag and length field have already been consumed by the framer
// in package frontend).
type ReadBuffer struct {
	MsgType byte
	buf     []byte
	pos     int
}

func NewReadBuffer(msgType byte, payload []byte) *ReadBuffer {
	return &ReadBuffer{MsgType: msgType, buf: payload}
}

func (r *ReadBuffer) Len() int { return len(r.buf) - r.pos }

func (r *ReadBuffer) take(n int) ([]byte, error) {
	if r.Len() < n {
		return nil, fmt.Errorf("wire: short read, need %d bytes, have %d", n, r.Len())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *ReadBuffer) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *ReadBuffer) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *ReadBuffer) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *ReadBuffer) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadLenBytes reads a 32-bit length-prefixed byte string. Length
// 0xFFFFFFFF (-1) is returned as a nil slice (the NULL convention).
func (r *ReadBuffer) ReadLenBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n == 0xFFFFFFFF {
		return nil, nil
	}
	return r.take(int(n))
}

func (r *ReadBuffer) ReadLenString() (string, error) {
	b, err := r.ReadLenBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadCString reads a null-terminated string.
func (r *ReadBuffer) ReadCString() (string, error) {
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", errors.New("wire: unterminated string")
}

func (r *ReadBuffer) ReadUUID() ([16]byte, error) {
	var u [16]byte
	b, err := r.take(16)
	if err != nil {
		return u, err
	}
	copy(u[:], b)
	return u, nil
}

// Finished reports whether every byte of the message has been consumed.
// Per spec.md §4.B, trailing unparsed bytes in passive mode is an error;
// callers in active mode may ignore this and skip to the next frame.
func (r *ReadBuffer) Finished() bool { return r.Len() == 0 }

func (r *ReadBuffer) Remainder() []byte { return r.buf[r.pos:] }
