// Package pgfrontend implements the PostgreSQL-compatible frontend state
// machine: startup/auth, then the simple- and extended-query protocols,
// translating client messages into backend action batches executed against
// a pooled, affinity-free backend connection while a per-connection
// PgConnectionView tracks settings and transaction state independently of
// whichever real connection happens to be serving the current batch
// (spec.md §4.F).
package pgfrontend

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/frontend"
	"github.com/mevdschee/dbfrontend/normalize"
	"github.com/mevdschee/dbfrontend/paramremap"
	"github.com/mevdschee/dbfrontend/pgview"
	"github.com/mevdschee/dbfrontend/prepared"
)

// BackendPool is the subset of *backendpool.Pool a Frontend depends on.
type BackendPool interface {
	Acquire(ctx context.Context, database string) (*backendpool.Conn, error)
	Release(c *backendpool.Conn)
	Discard(c *backendpool.Conn)
}

// Frontend drives one PostgreSQL-compatible client connection.
type Frontend struct {
	base    *frontend.BaseConn
	netConn net.Conn
	backend *pgproto3.Backend

	authBackend    AuthBackend
	cancelRegistry CancelRegistry
	tlsConfig      *tls.Config
	tlsRequired    bool
	tlsActive      bool

	pool       BackendPool
	compiler   compiler.Client

	view     *pgview.View
	registry *prepared.Registry

	user     string
	database string
	pid      uint32
	secret   uint32

	// pinned is the backend connection kept across Sync boundaries while a
	// transaction is open (spec.md §5); activeConn is the connection in use
	// for the batch currently being assembled, cleared once that batch's
	// Sync completes.
	pinned    *backendpool.Conn
	activeConn *backendpool.Conn

	ignoreTillSync bool

	batch       []backendpool.Action
	batchCloned *pgview.View
}

// New builds a Frontend over an accepted socket. comp is the compiler.Client
// used to turn client SQL into QueryUnitGroups; tlsConfig may be nil to
// refuse SSLRequest outright.
func New(conn net.Conn, tlsConfig *tls.Config, tlsRequired bool, authBackend AuthBackend, cancelRegistry CancelRegistry, pool BackendPool, comp compiler.Client) *Frontend {
	base := frontend.New(conn, frontend.LengthInclusive)
	return &Frontend{
		base:           base,
		netConn:        conn,
		backend:        pgproto3.NewBackend(base.Reader(), conn),
		authBackend:    authBackend,
		cancelRegistry: cancelRegistry,
		tlsConfig:      tlsConfig,
		tlsRequired:    tlsRequired,
		pool:           pool,
		compiler:       comp,
		registry:       prepared.NewRegistry(),
	}
}

// CancelSession implements CancelTarget: this module approximates a real
// backend cancel by aborting the client-facing socket outright, since the
// pooled connection the session is currently using may have already moved
// on to serving somebody else by the time a CancelRequest arrives.
func (f *Frontend) CancelSession() {
	f.base.Close()
}

func (f *Frontend) respondSSL() error {
	if f.tlsConfig == nil {
		_, err := f.netConn.Write([]byte{'N'})
		if err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
		return nil
	}
	if _, err := f.netConn.Write([]byte{'S'}); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}
	tlsConn := tls.Server(f.netConn, f.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return errs.Wrap(errs.KindAuthentication, err).Fatal()
	}
	f.netConn = tlsConn
	f.base.UpgradeTLS(tlsConn)
	f.backend = pgproto3.NewBackend(f.base.Reader(), tlsConn)
	f.tlsActive = true
	return nil
}

// Run drives the connection to completion: startup, auth, then the
// simple/extended query loop until Terminate or an unrecoverable error.
func (f *Frontend) Run(ctx context.Context) error {
	f.base.SetStatus(frontend.StatusStarted)
	params, err := f.runStartup()
	if err != nil {
		if errors.Is(err, errCancelHandled) {
			return nil
		}
		f.sendRecoverable(err)
		return err
	}
	f.user = params["user"]
	f.database = params["database"]
	if f.database == "" {
		f.database = f.user
	}
	f.view = pgview.New(nil, nil)
	f.pid, f.secret = newBackendKey()
	if f.cancelRegistry != nil {
		f.cancelRegistry.Register(f.pid, f.secret, f)
		defer f.cancelRegistry.Unregister(f.pid)
	}

	f.backend.Send(&pgproto3.AuthenticationOk{})
	f.backend.Send(&pgproto3.BackendKeyData{ProcessID: f.pid, SecretKey: f.secret})
	for _, kv := range startupParameterStatuses(f.user) {
		f.backend.Send(&pgproto3.ParameterStatus{Name: kv[0], Value: kv[1]})
	}
	f.backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := f.backend.Flush(); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	f.base.SetStatus(frontend.StatusOK)

	for {
		if err := f.base.WaitForMessage(true); err != nil {
			return nil
		}
		msg, err := f.backend.Receive()
		if err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err)
		}
		done, derr := f.dispatch(ctx, msg)
		if derr != nil {
			if !f.sendRecoverable(derr) {
				return derr
			}
		}
		if done {
			return nil
		}
	}
}

func startupParameterStatuses(user string) [][2]string {
	return [][2]string{
		{"server_version", "16.0"},
		{"client_encoding", "UTF8"},
		{"session_authorization", user},
		{"DateStyle", "ISO, MDY"},
		{"integer_datetimes", "on"},
		{"standard_conforming_strings", "on"},
	}
}

func (f *Frontend) dispatch(ctx context.Context, msg pgproto3.FrontendMessage) (done bool, err error) {
	if f.ignoreTillSync {
		switch msg.(type) {
		case *pgproto3.Sync:
			return false, f.handleSyncAfterError()
		case *pgproto3.Terminate:
			return true, nil
		default:
			return false, nil
		}
	}
	switch m := msg.(type) {
	case *pgproto3.Terminate:
		return true, nil
	case *pgproto3.Query:
		return false, f.handleSimpleQuery(ctx, m.String)
	case *pgproto3.Parse:
		return false, f.handleParse(m)
	case *pgproto3.Bind:
		return false, f.handleBind(m)
	case *pgproto3.Describe:
		return false, f.handleDescribe(m)
	case *pgproto3.Execute:
		return false, f.handleExecute(m)
	case *pgproto3.Close:
		return false, f.handleClose(m)
	case *pgproto3.Flush:
		return false, f.handleFlushMsg(ctx)
	case *pgproto3.Sync:
		return false, f.handleSync(ctx)
	default:
		return false, errs.Newf(errs.KindProtocolViolation, "unexpected message %T", m)
	}
}

func asError(err error) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.Wrap(errs.KindInternal, err)
}

// sendRecoverable reports err to the client. It returns false if the
// connection must be torn down (fatal severity or a write failure), true if
// the session can keep going in ignore-till-sync mode.
func (f *Frontend) sendRecoverable(err error) bool {
	e := asError(err)
	f.backend.Send(&pgproto3.ErrorResponse{Severity: string(e.Severity), Code: e.Code(), Message: e.Message})
	if ferr := f.backend.Flush(); ferr != nil {
		return false
	}
	if e.Severity == errs.SeverityFatal {
		return false
	}
	if f.view != nil {
		f.view.OnError()
	}
	f.ignoreTillSync = true
	return true
}

func (f *Frontend) handleSyncAfterError() error {
	f.resetBatch()
	f.ignoreTillSync = false
	if f.activeConn != nil {
		f.pool.Discard(f.activeConn)
		f.activeConn = nil
		f.pinned = nil
	}
	f.backend.Send(&pgproto3.ReadyForQuery{TxStatus: f.txStatusByte()})
	return f.backend.Flush()
}

func (f *Frontend) txStatusByte() byte {
	if f.view.TxError() {
		return 'E'
	}
	if f.view.InTx() {
		return 'T'
	}
	return 'I'
}

func (f *Frontend) resetBatch() {
	f.batch = nil
	f.batchCloned = nil
}

func (f *Frontend) ensureClone() *pgview.View {
	if f.batchCloned == nil {
		f.batchCloned = f.view.Clone()
	}
	return f.batchCloned
}

func (f *Frontend) ensureActiveConn(ctx context.Context) (*backendpool.Conn, error) {
	if f.activeConn != nil {
		return f.activeConn, nil
	}
	if f.pinned != nil {
		f.activeConn = f.pinned
		return f.activeConn, nil
	}
	conn, err := f.pool.Acquire(ctx, f.database)
	if err != nil {
		return nil, errs.Wrap(errs.KindCannotConnectNow, err)
	}
	f.activeConn = conn
	return conn, nil
}

func schemaForUnit(u compiler.QueryUnit) paramremap.Schema {
	hidden := make([]paramremap.HiddenParam, 0, len(u.ExtraConstants)+len(u.ExtraGlobalKeys))
	for i, c := range u.ExtraConstants {
		hidden = append(hidden, paramremap.HiddenParam{Kind: paramremap.HiddenExtractedConstant, TypeOID: c.TypeOID, ConstantIndex: i})
	}
	for _, g := range u.ExtraGlobalKeys {
		hidden = append(hidden, paramremap.HiddenParam{Kind: paramremap.HiddenGlobal, TypeOID: g.TypeOID, GlobalKey: g.SettingKey})
	}
	return paramremap.Schema{ExternalCount: u.ExternalParamCount, Hidden: hidden}
}

func toNormalizeConstants(cs []compiler.ExtraConstant) []normalize.Constant {
	out := make([]normalize.Constant, len(cs))
	for i, c := range cs {
		out[i] = normalize.Constant{Value: c.Value, TypeOID: c.TypeOID, IsNull: c.IsNull}
	}
	return out
}

func newBackendKey() (pid, secret uint32) {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:4]), binary.BigEndian.Uint32(b[4:])
}
