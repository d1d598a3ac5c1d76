package frontend

import (
	"net"
	"testing"
	"time"
)

func TestReadFrameExclusive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// kind 'V', length 2 (exclusive), payload "hi"
		client.Write([]byte{'V', 0, 0, 0, 2, 'h', 'i'})
	}()

	c := New(server, LengthExclusive)
	rb, err := c.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if rb.MsgType != 'V' {
		t.Fatalf("MsgType = %q, want V", rb.MsgType)
	}
	if string(rb.Remainder()) != "hi" {
		t.Fatalf("payload = %q, want hi", rb.Remainder())
	}
}

func TestReadFrameInclusive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// kind 'Q', length 6 (inclusive: 4 bytes of itself + 2 payload bytes)
		client.Write([]byte{'Q', 0, 0, 0, 6, 'h', 'i'})
	}()

	c := New(server, LengthInclusive)
	rb, err := c.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if string(rb.Remainder()) != "hi" {
		t.Fatalf("payload = %q, want hi", rb.Remainder())
	}
}

func TestIsIdle(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, LengthExclusive)
	done := make(chan struct{})
	go func() {
		c.WaitForMessage(true)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if !c.IsIdle(time.Now()) {
		t.Fatalf("expected connection to be idle while awaiting a message")
	}

	client.Write([]byte{'X'})
	<-done

	if c.IsIdle(time.Now()) {
		t.Fatalf("expected connection to no longer be idle after a message arrived")
	}
}

func TestPassiveWaitForMessagePanics(t *testing.T) {
	c := NewPassive([]byte{'V'}, LengthExclusive)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected WaitForMessage on a passive connection to panic")
		}
	}()
	c.WaitForMessage(false)
}

func TestFlushThreshold(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, LengthExclusive)
	readDone := make(chan int)
	go func() {
		buf := make([]byte, flushThreshold)
		n, _ := client.Read(buf)
		readDone <- n
	}()

	big := make([]byte, flushThreshold)
	if err := c.Write(big); err != nil {
		t.Fatal(err)
	}
	n := <-readDone
	if n != flushThreshold {
		t.Fatalf("auto-flush delivered %d bytes, want %d", n, flushThreshold)
	}
}
