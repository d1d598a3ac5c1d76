// Package frontend implements the connection base shared by every protocol
// frontend: socket ownership, the buffered message reader, the write
// aggregator and cooperative idling, per spec.md §4.B.
package frontend

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mevdschee/dbfrontend/wire"
)

// Status is the connection lifecycle state from spec.md §3.
type Status int32

const (
	StatusNew Status = iota
	StatusStarted
	StatusOK
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusStarted:
		return "STARTED"
	case StatusOK:
		return "OK"
	default:
		return "BAD"
	}
}

// flushThreshold is the write aggregator's auto-flush size (spec.md §4.A).
const flushThreshold = 100 * 1024

// LengthConvention distinguishes the two framing styles multiplexed onto
// this listener (spec.md §3).
type LengthConvention int

const (
	// LengthExclusive is the EdgeDB binary convention: the length field
	// does not count itself.
	LengthExclusive LengthConvention = iota
	// LengthInclusive is the PostgreSQL convention: the length field counts
	// its own four bytes.
	LengthInclusive
)

// BaseConn owns the raw socket, the buffered reader used to assemble full
// messages, and the pending-write aggregator. Protocol-specific frontends
// (binaryproto, pgfrontend) embed or hold a *BaseConn and build their state
// machines on top of it.
type BaseConn struct {
	conn   net.Conn
	reader *bufio.Reader
	conv   LengthConvention

	mu      sync.Mutex
	pending bytes.Buffer
	closed  bool

	idling         bool
	startedIdling  time.Time
	status         Status

	// passive is true for a connection operating over a fixed in-memory
	// buffer (the HTTP-upgrade-to-binary fast path of spec.md §4.I), where
	// WaitForMessage is forbidden because the caller already guarantees the
	// buffer holds every byte that will ever arrive.
	passive bool
}

// New wraps an accepted socket.
func New(conn net.Conn, conv LengthConvention) *BaseConn {
	return &BaseConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		conv:   conv,
		status: StatusNew,
	}
}

// NewPassive wraps a fixed buffer of bytes already known to be complete
// (e.g. trailing bytes buffered behind an HTTP upgrade request). Calling
// WaitForMessage on a passive connection is a programming error.
func NewPassive(data []byte, conv LengthConvention) *BaseConn {
	return &BaseConn{
		reader:  bufio.NewReader(bytes.NewReader(data)),
		conv:    conv,
		status:  StatusNew,
		passive: true,
	}
}

func (c *BaseConn) Status() Status { return c.status }
func (c *BaseConn) SetStatus(s Status) { c.status = s }
func (c *BaseConn) IsPassive() bool { return c.passive }

// RemoteAddr reports the peer address, or "" for a passive connection.
func (c *BaseConn) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// Conn exposes the underlying net.Conn, e.g. to negotiate a TLS upgrade or
// bind an mTLS peer certificate.
func (c *BaseConn) Conn() net.Conn { return c.conn }

// Reader exposes the buffered reader frames are assembled from. The
// PostgreSQL-compatible frontend uses this to drive a pgproto3.Backend
// directly over the same byte stream WaitForMessage/IsIdle observe, instead
// of going through ReadFrame's EdgeDB-binary framing.
func (c *BaseConn) Reader() *bufio.Reader { return c.reader }

// UpgradeTLS replaces the underlying transport (used by both the PG
// SSLRequest handshake and the binary protocol's TLS-in-front model). Any
// buffered-but-unread plaintext bytes are discarded, matching the
// expectation that SSLRequest/TLS negotiation happens before any further
// protocol bytes are sent.
func (c *BaseConn) UpgradeTLS(tlsConn net.Conn) {
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
}

// WaitForMessage suspends until the reader has at least the first byte of
// the next message buffered; the rest of that message is not awaited here.
// When reportIdling is true, the idle-since timestamp is recorded
// so a sweeper can later evict this connection via IsIdle. It is a
// programming error to call this on a passive connection (spec.md §4.B).
func (c *BaseConn) WaitForMessage(reportIdling bool) error {
	if c.passive {
		panic("frontend: WaitForMessage called on a passive connection")
	}
	if reportIdling {
		c.mu.Lock()
		c.idling = true
		c.startedIdling = time.Now()
		c.mu.Unlock()
	}
	// Peek blocks on the underlying reader until at least one byte is
	// available or the connection errors/closes.
	_, err := c.reader.Peek(1)
	c.mu.Lock()
	c.idling = false
	c.mu.Unlock()
	return err
}

// IsIdle reports whether this connection has been idling (awaiting its next
// message) since before expiry — the contract an idle-reaping sweeper uses
// (spec.md §5).
func (c *BaseConn) IsIdle(expiry time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idling && c.startedIdling.Before(expiry)
}

// ReadFrame reads exactly one length-prefixed message: a 1-byte kind tag
// and a 4-byte big-endian length, honoring this connection's length
// convention, and returns a wire.ReadBuffer positioned at the payload.
func (c *BaseConn) ReadFrame() (*wire.ReadBuffer, error) {
	kind, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.reader, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	var payloadLen int
	switch c.conv {
	case LengthInclusive:
		if length < 4 {
			return nil, fmt.Errorf("frontend: invalid message length %d", length)
		}
		payloadLen = int(length) - 4
	default: // LengthExclusive
		payloadLen = int(length)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}
	return wire.NewReadBuffer(kind, payload), nil
}

// Write appends to the pending output buffer, flushing automatically once
// flushThreshold bytes have accumulated (spec.md §4.A).
func (c *BaseConn) Write(b []byte) error {
	c.mu.Lock()
	c.pending.Write(b)
	shouldFlush := c.pending.Len() >= flushThreshold
	c.mu.Unlock()
	if shouldFlush {
		return c.Flush()
	}
	return nil
}

// Flush hands the pending buffer to the transport. On a closed transport it
// fails with wire.ErrConnectionAborted, matching spec.md §4.A.
func (c *BaseConn) Flush() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.ErrConnectionAborted
	}
	if c.pending.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.conn == nil {
		// Passive connections never write back through BaseConn; the bytes
		// stay pending and callers read them via Pending.
		c.mu.Unlock()
		return nil
	}
	data := c.pending.Bytes()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.pending.Reset()
	conn := c.conn
	c.mu.Unlock()

	_, err := conn.Write(cp)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return wire.ErrConnectionAborted
		}
		return err
	}
	return nil
}

// Pending exposes the not-yet-flushed bytes, used by tests and by the
// passive (binary-over-HTTP) response path that hands the buffer straight
// to an http.ResponseWriter instead of a net.Conn.
func (c *BaseConn) Pending() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.pending.Bytes()...)
}

// Close marks the connection aborted and closes the underlying socket, if
// any.
func (c *BaseConn) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
