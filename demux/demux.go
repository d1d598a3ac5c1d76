// Package demux implements the first-byte sniffing entry point that ties
// the three frontends together on one accepted socket (spec.md §1 core item
// 1, §2 data flow, §8 testable property 1): every connection lands here
// first, and the first byte(s) on the wire decide which frontend drives it.
//
// Grounded on the teacher's own acceptLoop/handleConnection split in
// postgres.go — one goroutine per accepted connection, a bracket-tagged
// log.Printf on accept/connection errors — generalized from a single-
// protocol listener into a protocol-picking one.
package demux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
)

// Protocol identifies which frontend a connection's opening bytes select.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	// ProtocolBinary is the proprietary EdgeDB-style binary protocol,
	// whose every message opens with a one-byte kind tag. A fresh
	// connection's first message is always a ClientHandshake, tag 'V'.
	ProtocolBinary
	// ProtocolPostgres is the PostgreSQL v3 wire protocol. A fresh
	// connection's first message is an untagged StartupMessage or
	// SSLRequest, both length-prefixed with a length small enough that its
	// leading byte is always 0x00.
	ProtocolPostgres
	// ProtocolHTTP carries the HTTP routing table and its extensions
	// (spec.md §4.I, §4.J). A fresh connection opens with a request line
	// starting with an HTTP method.
	ProtocolHTTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolBinary:
		return "binary"
	case ProtocolPostgres:
		return "postgres"
	case ProtocolHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// binaryHandshakeTag is the binary protocol's ClientHandshake message kind
// (spec.md §8: the "V\0" fast-path prefix is this byte followed by the
// leading zero byte of a short message length).
const binaryHandshakeTag = 'V'

// Sniff peeks at r without consuming any bytes and reports which protocol
// the connection's opening byte selects.
func Sniff(r *bufio.Reader) (Protocol, error) {
	b, err := r.Peek(1)
	if err != nil {
		return ProtocolUnknown, err
	}
	switch {
	case b[0] == binaryHandshakeTag:
		return ProtocolBinary, nil
	case b[0] == 0x00:
		return ProtocolPostgres, nil
	case isHTTPRequestLineStart(b[0]):
		return ProtocolHTTP, nil
	default:
		return ProtocolUnknown, fmt.Errorf("demux: unrecognized protocol prefix 0x%02x", b[0])
	}
}

// isHTTPRequestLineStart reports whether b could open an HTTP request line,
// covering every standard method (GET, POST, PUT, PATCH, DELETE, HEAD,
// OPTIONS, TRACE, CONNECT).
func isHTTPRequestLineStart(b byte) bool {
	switch b {
	case 'G', 'P', 'D', 'H', 'O', 'T', 'C':
		return true
	default:
		return false
	}
}

// peekedConn replays the bytes Sniff already buffered before handing the
// connection to its chosen frontend, so the sniff is invisible to callers.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) { return c.r.Read(b) }

// RunnableFrontend is the shape both pgfrontend.Frontend and
// binaryproto.Frontend satisfy: drive one connection to completion.
type RunnableFrontend interface {
	Run(ctx context.Context) error
}

// HTTPHandler is the shape httpmux.Router satisfies: serve one connection's
// HTTP requests, including the Upgrade-to-binary handoff (spec.md §4.I).
type HTTPHandler interface {
	ServeConn(conn net.Conn) error
}

// Demux dispatches freshly accepted connections to one of three frontend
// factories based on Sniff's verdict.
type Demux struct {
	// NewBinary and NewPostgres build a fresh per-connection frontend over
	// conn; they close over whatever pool/compiler/auth state the caller's
	// process wiring constructed once at startup.
	NewBinary   func(conn net.Conn) RunnableFrontend
	NewPostgres func(conn net.Conn) RunnableFrontend
	HTTP        HTTPHandler

	// OnAccept, if set, is called with the Sniff verdict for every
	// connection before it is dispatched (used to drive ConnectionsTotal).
	OnAccept func(Protocol)
}

// Serve sniffs conn's opening bytes and dispatches it to the matching
// frontend. It blocks until that frontend's session ends.
func (d *Demux) Serve(ctx context.Context, conn net.Conn) error {
	br := bufio.NewReaderSize(conn, 8)
	proto, err := Sniff(br)
	if err != nil {
		conn.Close()
		return err
	}
	if d.OnAccept != nil {
		d.OnAccept(proto)
	}

	pc := &peekedConn{Conn: conn, r: br}
	switch proto {
	case ProtocolBinary:
		if d.NewBinary == nil {
			conn.Close()
			return errors.New("demux: no binary frontend configured")
		}
		return d.NewBinary(pc).Run(ctx)
	case ProtocolPostgres:
		if d.NewPostgres == nil {
			conn.Close()
			return errors.New("demux: no postgres frontend configured")
		}
		return d.NewPostgres(pc).Run(ctx)
	case ProtocolHTTP:
		if d.HTTP == nil {
			conn.Close()
			return errors.New("demux: no http handler configured")
		}
		return d.HTTP.ServeConn(pc)
	default:
		conn.Close()
		return errors.New("demux: unreachable protocol verdict")
	}
}

// ListenAndServe accepts connections on network/addr and dispatches each to
// its own goroutine, exactly as the teacher's acceptLoop does, until ctx is
// canceled.
func (d *Demux) ListenAndServe(ctx context.Context, network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("[Demux] Listening on %s (%s)", addr, network)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[Demux] Accept error: %v", err)
			continue
		}
		go func() {
			if err := d.Serve(ctx, conn); err != nil && !errors.Is(err, io.EOF) {
				log.Printf("[Demux] connection error: %v", err)
			}
		}()
	}
}
