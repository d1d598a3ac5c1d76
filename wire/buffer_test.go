package wire

import "testing"

func TestWriteBufferRoundTrip(t *testing.T) {
	var w WriteBuffer
	w.NewMessage('P')
	w.PutUint16(7)
	w.PutLenString("hello")
	w.PutUUID([16]byte{1, 2, 3})
	w.EndMessage()

	buf := w.Bytes()
	if buf[0] != 'P' {
		t.Fatalf("kind = %q, want 'P'", buf[0])
	}

	r := NewReadBuffer('P', buf[5:])
	n, err := r.ReadUint16()
	if err != nil || n != 7 {
		t.Fatalf("ReadUint16() = %d, %v, want 7, nil", n, err)
	}
	s, err := r.ReadLenString()
	if err != nil || s != "hello" {
		t.Fatalf("ReadLenString() = %q, %v, want hello, nil", s, err)
	}
	u, err := r.ReadUUID()
	if err != nil || u != ([16]byte{1, 2, 3}) {
		t.Fatalf("ReadUUID() = %v, %v", u, err)
	}
	if !r.Finished() {
		t.Fatalf("expected buffer to be fully consumed")
	}
}

func TestWriteBufferLength(t *testing.T) {
	var w WriteBuffer
	w.NewMessage('X')
	w.PutUint32(42)
	w.EndMessage()
	buf := w.Bytes()
	// binary framing is exclusive of the length field itself (spec.md §3).
	gotLen := int(buf[1])<<24 | int(buf[2])<<16 | int(buf[3])<<8 | int(buf[4])
	wantLen := len(buf) - 5
	if gotLen != wantLen {
		t.Fatalf("encoded length = %d, want %d", gotLen, wantLen)
	}
}

func TestPutBytesNull(t *testing.T) {
	var w WriteBuffer
	w.NewMessage('B')
	w.PutBytes(nil)
	w.EndMessage()
	r := NewReadBuffer('B', w.Bytes()[5:])
	b, err := r.ReadLenBytes()
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatalf("ReadLenBytes() = %v, want nil", b)
	}
}

func TestAppend(t *testing.T) {
	var a, b WriteBuffer
	a.NewMessage('A')
	a.PutUint8(1)
	a.EndMessage()
	b.NewMessage('B')
	b.PutUint8(2)
	b.EndMessage()
	a.Append(&b)
	if len(a.Bytes()) != 12 {
		t.Fatalf("len = %d, want 12", len(a.Bytes()))
	}
}
