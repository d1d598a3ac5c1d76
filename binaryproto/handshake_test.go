package binaryproto

import (
	"testing"

	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/wire"
)

func TestClientHandshakeRoundTrip(t *testing.T) {
	var w wire.WriteBuffer
	w.PutUint16(1)
	w.PutUint16(0)
	w.PutUint16(2)
	w.PutLenString("user")
	w.PutLenString("alice")
	w.PutLenString("database")
	w.PutLenString("mydb")
	w.PutUint16(0)

	r := wire.NewReadBuffer(kindClientHandshake, w.Bytes())
	hs, err := readClientHandshake(r)
	if err != nil {
		t.Fatalf("readClientHandshake: %v", err)
	}
	if hs.Major != 1 || hs.Minor != 0 {
		t.Fatalf("got version %d.%d, want 1.0", hs.Major, hs.Minor)
	}
	if v, ok := hs.param("user"); !ok || v != "alice" {
		t.Fatalf("param(user) = %q, %v", v, ok)
	}
	if v, ok := hs.param("database"); !ok || v != "mydb" {
		t.Fatalf("param(database) = %q, %v", v, ok)
	}
	if _, ok := hs.param("missing"); ok {
		t.Fatalf("expected missing param to be absent")
	}
}

func TestNegotiateClampsToBounds(t *testing.T) {
	min := compiler.ProtocolVersion{Major: 1, Minor: 0}
	max := compiler.ProtocolVersion{Major: 2, Minor: 0}

	got := negotiate(compiler.ProtocolVersion{Major: 0, Minor: 9}, min, max)
	if got != min {
		t.Fatalf("got %+v, want clamp to min %+v", got, min)
	}

	got = negotiate(compiler.ProtocolVersion{Major: 5, Minor: 0}, min, max)
	if got != max {
		t.Fatalf("got %+v, want clamp to max %+v", got, max)
	}

	within := compiler.ProtocolVersion{Major: 1, Minor: 5}
	got = negotiate(within, min, max)
	if got != within {
		t.Fatalf("got %+v, want unchanged %+v", got, within)
	}
}
