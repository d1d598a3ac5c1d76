// Package backendpool manages pooled, affinity-free connections to the real
// PostgreSQL backends a PgFrontend or BinaryFrontend session ultimately
// executes against. A connection is speaks the wire protocol to the backend
// the same way pgfrontend speaks it to the client: via
// github.com/jackc/pgx/v5/pgproto3, here using the client-side codec
// (pgproto3.Frontend) instead of the server-side one (spec.md §4.F, §5).
package backendpool

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/errs"
)

// ActionKind enumerates the backend actions a frontend's action deque can
// contain (spec.md §4.F "Action kinds").
type ActionKind int

const (
	ActionStartImplicitTx ActionKind = iota
	ActionParse
	ActionBind
	ActionDescribeStmt
	ActionDescribeStmtRows
	ActionDescribePortal
	ActionExecute
	ActionCloseStmt
	ActionClosePortal
	ActionFlush
	ActionSync
)

// Action is one step of a backend action deque. Injected actions carry
// Injected=true so their Results are not forwarded to the client.
type Action struct {
	Kind      ActionKind
	StmtName  string
	Portal    string
	SQL       string
	ParamOIDs []uint32
	Bind      *pgproto3.Bind
	MaxRows   int32
	Injected  bool
}

// Result is one backend reply correlated to the Action that produced it.
type Result struct {
	Injected              bool
	ParseComplete         bool
	BindComplete          bool
	ParameterDescription  *pgproto3.ParameterDescription
	RowDescription        *pgproto3.RowDescription
	NoData                bool
	DataRows              []*pgproto3.DataRow
	CommandTag            string
	PortalSuspended       bool
	CloseComplete         bool
	ReadyForQuery         bool
	TxStatus              byte
	Err                   *pgproto3.ErrorResponse
}

// Conn is one real backend connection, checked out of a Pool for the
// duration of a single client request and returned afterward (spec.md §5:
// "scoped acquire/release", no session pinning across requests).
type Conn struct {
	netConn  net.Conn
	frontend *pgproto3.Frontend
	database string
	lastUsed time.Time
}

// Dial opens a new backend connection and drives it through cleartext
// startup against addr. Only trust and cleartext-password backend
// authentication are handled; TLS, MD5 and SCRAM backends are not
// supported.
func Dial(ctx context.Context, addr, user, password, database string) (*Conn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindCannotConnectNow, err)
	}
	fe := pgproto3.NewFrontend(bufio.NewReader(nc), nc)

	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":     user,
			"database": database,
		},
	}
	if err := fe.Send(startup); err != nil {
		nc.Close()
		return nil, errs.Wrap(errs.KindBackend, err)
	}
	if err := fe.Flush(); err != nil {
		nc.Close()
		return nil, errs.Wrap(errs.KindBackend, err)
	}

	c := &Conn{netConn: nc, frontend: fe, database: database, lastUsed: time.Now()}
	if err := c.authenticate(password); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) authenticate(password string) error {
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return errs.Wrap(errs.KindBackend, err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			// drain until ReadyForQuery
		case *pgproto3.AuthenticationCleartextPassword:
			c.frontend.Send(&pgproto3.PasswordMessage{Password: password})
			c.frontend.Flush()
		case *pgproto3.AuthenticationMD5Password:
			return errs.New(errs.KindUnsupportedFeature, "backendpool: MD5 backend auth is not supported")
		case *pgproto3.ParameterStatus, *pgproto3.BackendKeyData:
			// ignored; nothing in this session surface depends on them
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.ErrorResponse:
			return errs.Newf(errs.KindBackend, "backend authentication failed: %s", m.Message)
		default:
			return errs.Newf(errs.KindBackend, "backendpool: unexpected startup message %T", m)
		}
	}
}

// Execute drives actions against this connection in order and returns one
// Result per action that produces a distinguishable reply. A Flush or Sync
// action causes buffered frontend messages to actually be written; replies
// are drained up through the matching ReadyForQuery for Sync, or until the
// connection would otherwise block for Flush (approximated here by draining
// whatever is immediately available after the round trip each Sync boundary
// produces, since Flush without Sync still requires reading all responses
// produced so far before the next client message can be safely composed).
func (c *Conn) Execute(ctx context.Context, actions []Action) ([]Result, error) {
	c.lastUsed = time.Now()
	var results []Result
	pending := 0

	for _, a := range actions {
		switch a.Kind {
		case ActionStartImplicitTx:
			c.frontend.Send(&pgproto3.Query{String: "BEGIN"})
			pending++
		case ActionParse:
			c.frontend.Send(&pgproto3.Parse{Name: a.StmtName, Query: a.SQL, ParameterOIDs: a.ParamOIDs})
			pending++
		case ActionBind:
			b := *a.Bind
			b.DestinationPortal = a.Portal
			b.PreparedStatement = a.StmtName
			c.frontend.Send(&b)
			pending++
		case ActionDescribeStmt:
			// A statement Describe yields two backend replies
			// (ParameterDescription then RowDescription/NoData) for the one
			// request; merge them into a single Result here instead of
			// stretching the pending-count bookkeeping to cover it.
			c.frontend.Send(&pgproto3.Describe{ObjectType: 'S', Name: a.StmtName})
			if err := c.frontend.Flush(); err != nil {
				return results, errs.Wrap(errs.KindBackend, err)
			}
			first, _, err := c.receiveOne(a.Injected)
			if err != nil {
				return results, err
			}
			if first.Err != nil {
				results = append(results, first)
				continue
			}
			second, _, err := c.receiveOne(a.Injected)
			if err != nil {
				return results, err
			}
			second.ParameterDescription = first.ParameterDescription
			results = append(results, second)
			continue
		case ActionDescribeStmtRows:
			c.frontend.Send(&pgproto3.Describe{ObjectType: 'S', Name: a.StmtName})
			pending++
		case ActionDescribePortal:
			c.frontend.Send(&pgproto3.Describe{ObjectType: 'P', Name: a.Portal})
			pending++
		case ActionExecute:
			c.frontend.Send(&pgproto3.Execute{Portal: a.Portal, MaxRows: uint32(a.MaxRows)})
			pending++
		case ActionCloseStmt:
			c.frontend.Send(&pgproto3.Close{ObjectType: 'S', Name: a.StmtName})
			pending++
		case ActionClosePortal:
			c.frontend.Send(&pgproto3.Close{ObjectType: 'P', Name: a.Portal})
			pending++
		case ActionFlush:
			c.frontend.Send(&pgproto3.Flush{})
			if err := c.frontend.Flush(); err != nil {
				return results, errs.Wrap(errs.KindBackend, err)
			}
			rs, err := c.drain(pending, a.Injected)
			if err != nil {
				return results, err
			}
			results = append(results, rs...)
			pending = 0
			continue
		case ActionSync:
			c.frontend.Send(&pgproto3.Sync{})
			if err := c.frontend.Flush(); err != nil {
				return results, errs.Wrap(errs.KindBackend, err)
			}
			rs, err := c.drainUntilReady(a.Injected)
			if err != nil {
				return results, err
			}
			results = append(results, rs...)
			pending = 0
			continue
		}
	}
	return results, nil
}

// drain reads exactly n pending replies (used after Flush, where the
// backend is not required to send ReadyForQuery).
func (c *Conn) drain(n int, injected bool) ([]Result, error) {
	var out []Result
	for i := 0; i < n; i++ {
		r, done, err := c.receiveOne(injected)
		if err != nil {
			return out, err
		}
		out = append(out, r)
		if done {
			break
		}
	}
	return out, nil
}

// drainUntilReady reads replies until ReadyForQuery, the natural boundary a
// Sync action produces.
func (c *Conn) drainUntilReady(injected bool) ([]Result, error) {
	var out []Result
	for {
		r, _, err := c.receiveOne(injected)
		if err != nil {
			return out, err
		}
		out = append(out, r)
		if r.ReadyForQuery {
			return out, nil
		}
	}
}

func (c *Conn) receiveOne(injected bool) (Result, bool, error) {
	msg, err := c.frontend.Receive()
	if err != nil {
		return Result{}, true, errs.Wrap(errs.KindBackend, err)
	}
	r := Result{Injected: injected}
	// A run of DataRows (copied, since the decoder reuses them) joins the
	// Result of the message that ends it.
	for row, ok := msg.(*pgproto3.DataRow); ok; row, ok = msg.(*pgproto3.DataRow) {
		vals := make([][]byte, len(row.Values))
		for i, v := range row.Values {
			if v != nil {
				vals[i] = append([]byte{}, v...)
			}
		}
		r.DataRows = append(r.DataRows, &pgproto3.DataRow{Values: vals})
		if msg, err = c.frontend.Receive(); err != nil {
			return Result{}, true, errs.Wrap(errs.KindBackend, err)
		}
	}
	switch m := msg.(type) {
	case *pgproto3.ParseComplete:
		r.ParseComplete = true
	case *pgproto3.BindComplete:
		r.BindComplete = true
	case *pgproto3.ParameterDescription:
		r.ParameterDescription = m
	case *pgproto3.RowDescription:
		r.RowDescription = m
	case *pgproto3.NoData:
		r.NoData = true
	case *pgproto3.CommandComplete:
		r.CommandTag = string(m.CommandTag)
	case *pgproto3.PortalSuspended:
		r.PortalSuspended = true
	case *pgproto3.CloseComplete:
		r.CloseComplete = true
	case *pgproto3.ReadyForQuery:
		r.ReadyForQuery = true
		r.TxStatus = m.TxStatus
	case *pgproto3.ErrorResponse:
		r.Err = m
	default:
		return Result{}, false, errs.Newf(errs.KindBackend, "backendpool: unexpected message %T", m)
	}
	return r, r.ReadyForQuery, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// Pool hands out Conns to one backend address on demand, up to maxSize at a
// time, rather than pinning a session to one connection across requests
// (spec.md §5). Released connections stay idle in the pool for reuse; the
// pool never closes an idle connection itself.
type Pool struct {
	addr     string
	user     string
	password string

	mu      sync.Mutex
	idle    []*Conn
	maxSize int
	size    int
	cond    *sync.Cond
}

// NewPool creates a pool bounded to maxSize concurrent connections to addr.
func NewPool(addr, user, password string, maxSize int) *Pool {
	p := &Pool{addr: addr, user: user, password: password, maxSize: maxSize}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns an idle connection to database, or dials a fresh one if
// none is idle and the pool has room; otherwise it blocks until one frees
// up or ctx is done.
func (p *Pool) Acquire(ctx context.Context, database string) (*Conn, error) {
	p.mu.Lock()
	for {
		for i, c := range p.idle {
			if c.database == database {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				p.mu.Unlock()
				return c, nil
			}
		}
		if p.size < p.maxSize {
			p.size++
			p.mu.Unlock()
			c, err := Dial(ctx, p.addr, p.user, p.password, database)
			if err != nil {
				p.mu.Lock()
				p.size--
				p.mu.Unlock()
				return nil, err
			}
			return c, nil
		}
		// The waiter goroutine takes over the held lock; Wait releases it
		// only after registering, so no Release/Discard wakeup is missed.
		waitCh := make(chan struct{})
		go func() { p.cond.Wait(); p.mu.Unlock(); close(waitCh) }()
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindCannotConnectNow, ctx.Err())
		case <-waitCh:
		}
		p.mu.Lock()
	}
}

// Release returns c to the idle pool for reuse by the next requester,
// regardless of which client connection last used it (no session affinity).
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Discard closes c and frees its pool slot, used when a connection is known
// bad (e.g. the backend dropped it mid-batch).
func (p *Pool) Discard(c *Conn) {
	c.Close()
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
	p.cond.Broadcast()
}
