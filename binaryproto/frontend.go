package binaryproto

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"net"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/frontend"
	"github.com/mevdschee/dbfrontend/normalize"
	"github.com/mevdschee/dbfrontend/paramremap"
	"github.com/mevdschee/dbfrontend/pgview"
	"github.com/mevdschee/dbfrontend/prepared"
	"github.com/mevdschee/dbfrontend/wire"
)

// BackendPool is the subset of *backendpool.Pool a Frontend depends on.
type BackendPool interface {
	Acquire(ctx context.Context, database string) (*backendpool.Conn, error)
	Release(c *backendpool.Conn)
	Discard(c *backendpool.Conn)
}

// CancelTarget is the abort hook a session registers against its own
// backend-key pair, mirroring the PG-compatible frontend's simplification:
// closing the client-facing socket stands in for a real backend cancel.
type CancelTarget interface {
	CancelSession()
}

// CancelRegistry looks up and cancels a running query by PID/secret.
type CancelRegistry interface {
	Register(pid, secret uint32, target CancelTarget)
	Unregister(pid uint32)
	Cancel(pid, secret uint32)
}

// Frontend drives one EdgeDB-binary-protocol client connection.
type Frontend struct {
	base    *frontend.BaseConn
	netConn net.Conn

	tlsConfig   *tls.Config
	tlsRequired bool
	tlsActive   bool

	authBackend    AuthBackend
	authPolicy     AuthPolicy
	cancelRegistry CancelRegistry

	pool     BackendPool
	compiler compiler.Client
	registry *prepared.Registry

	instanceName        string
	defaultDatabase     string
	minProtocol         compiler.ProtocolVersion
	maxProtocol         compiler.ProtocolVersion
	allowLegacyDescribe bool

	user     string
	database string
	pid      uint32
	secret   uint32

	view *pgview.View

	// current is the most recently successful Parse, replayed by the next
	// Execute; EdgeDB binary has no named-statement catalog on the wire,
	// unlike PG (spec.md §4.D vs §4.H).
	current *prepared.ParseAction

	pinned     *backendpool.Conn
	activeConn *backendpool.Conn

	ignoreTillSync bool
	allowedCaps    compiler.Capability

	dumpBlocks    DumpBlockSource
	restoreBlocks RestoreBlockSink
}

// WithDumpBlockSource wires a backend-data-layer hook that supplies the raw
// bytes of each dump block; without one, DUMP emits schema-only output.
func (f *Frontend) WithDumpBlockSource(s DumpBlockSource) *Frontend {
	f.dumpBlocks = s
	return f
}

// WithRestoreBlockSink wires a backend-data-layer hook that applies each
// restore block's raw bytes to the target table; without one, RESTORE
// applies schema only and skips incoming data blocks.
func (f *Frontend) WithRestoreBlockSink(s RestoreBlockSink) *Frontend {
	f.restoreBlocks = s
	return f
}

// New builds a Frontend over an accepted socket.
func New(conn net.Conn, tlsConfig *tls.Config, tlsRequired bool, authBackend AuthBackend, authPolicy AuthPolicy,
	cancelRegistry CancelRegistry, pool BackendPool, comp compiler.Client, instanceName, defaultDatabase string) *Frontend {
	return &Frontend{
		base:                frontend.New(conn, frontend.LengthExclusive),
		netConn:             conn,
		tlsConfig:           tlsConfig,
		tlsRequired:         tlsRequired,
		authBackend:         authBackend,
		authPolicy:          authPolicy,
		cancelRegistry:      cancelRegistry,
		pool:                pool,
		compiler:            comp,
		registry:            prepared.NewRegistry(),
		instanceName:        instanceName,
		defaultDatabase:     defaultDatabase,
		minProtocol:         minProtocolCurrent,
		maxProtocol:         maxProtocol,
		allowLegacyDescribe: false,
		allowedCaps:         ^compiler.Capability(0),
	}
}

// NewCompat builds a Frontend accepting the lower, backwards-compatible
// minimum protocol version and legacy Describe opcode (spec.md §4.D).
func NewCompat(conn net.Conn, tlsConfig *tls.Config, tlsRequired bool, authBackend AuthBackend, authPolicy AuthPolicy,
	cancelRegistry CancelRegistry, pool BackendPool, comp compiler.Client, instanceName, defaultDatabase string) *Frontend {
	f := New(conn, tlsConfig, tlsRequired, authBackend, authPolicy, cancelRegistry, pool, comp, instanceName, defaultDatabase)
	f.minProtocol = minProtocolCompat
	f.allowLegacyDescribe = true
	return f
}

// CancelSession implements CancelTarget.
func (f *Frontend) CancelSession() {
	f.base.Close()
}

// Run drives the connection to completion: handshake, auth, then the main
// loop until Terminate or an unrecoverable error.
func (f *Frontend) Run(ctx context.Context) error {
	f.base.SetStatus(frontend.StatusStarted)

	frame, err := f.base.ReadFrame()
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}
	if frame.MsgType != kindClientHandshake {
		return errs.Newf(errs.KindProtocolViolation, "expected client handshake, got %q", frame.MsgType).Fatal()
	}
	hs, err := readClientHandshake(frame)
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}

	requested := compiler.ProtocolVersion{Major: hs.Major, Minor: hs.Minor}
	negotiated := negotiate(requested, f.minProtocol, f.maxProtocol)
	if negotiated != requested || len(hs.Extensions) > 0 {
		var w wire.WriteBuffer
		writeServerHandshake(&w, negotiated)
		if err := f.base.Write(w.Bytes()); err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
		if err := f.base.Flush(); err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
	}

	user, ok := hs.param("user")
	if !ok || user == "" {
		return errs.New(errs.KindProtocolViolation, "handshake missing user").Fatal()
	}
	database, ok := hs.param("database")
	if !ok || database == "" || database == "__default__" {
		database = f.defaultDatabase
		if database == "" {
			database = user
		}
	}
	if isInternalDatabase(database) {
		return errs.New(errs.KindAccess, "cannot connect to an internal database").Fatal()
	}

	if f.tlsRequired && !f.tlsActive {
		return errs.New(errs.KindAuthentication, "TLS required").Fatal()
	}
	if err := f.runAuth(user, database, hs); err != nil {
		return err
	}
	f.user = user
	f.database = database
	f.view = pgview.New(nil, nil)
	f.pid, f.secret = newBackendKey()
	if f.cancelRegistry != nil {
		f.cancelRegistry.Register(f.pid, f.secret, f)
		defer f.cancelRegistry.Unregister(f.pid)
	}

	var w wire.WriteBuffer
	w.NewMessage(kindServerKeyData)
	w.PutUint32(f.pid)
	w.PutUint32(f.secret)
	w.EndMessage()
	w.NewMessage(kindReadyForCommand)
	w.PutUint8(txStatusIdle)
	w.EndMessage()
	if err := f.base.Write(w.Bytes()); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}
	if err := f.base.Flush(); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}
	f.base.SetStatus(frontend.StatusOK)

	for {
		if err := f.base.WaitForMessage(true); err != nil {
			return nil
		}
		frame, err := f.base.ReadFrame()
		if err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err)
		}
		done, derr := f.dispatch(ctx, frame)
		if derr != nil {
			if !f.sendRecoverable(derr, frame.MsgType) {
				return derr
			}
		}
		if done {
			return nil
		}
	}
}

func isInternalDatabase(name string) bool {
	return name == "__edgedbsys__" || name == "__edgedbtpl__"
}

func (f *Frontend) dispatch(ctx context.Context, frame *wire.ReadBuffer) (done bool, err error) {
	if f.ignoreTillSync {
		switch frame.MsgType {
		case kindSync:
			return false, f.handleSync()
		case kindTerminate:
			return true, nil
		default:
			return false, nil
		}
	}
	switch frame.MsgType {
	case kindTerminate:
		return true, nil
	case kindParse:
		return false, f.handleParse(ctx, frame)
	case kindExecute:
		return false, f.handleExecute(ctx, frame)
	case kindOptimisticExec:
		return false, f.handleOptimisticExecute(ctx, frame)
	case kindExecuteScript:
		return false, f.handleExecuteScript(ctx, frame)
	case kindDescribeLegacy:
		if !f.allowLegacyDescribe {
			return false, errs.New(errs.KindUnsupportedFeature, "legacy Describe requires the backwards-compatible protocol variant")
		}
		return false, f.handleDescribeLegacy()
	case kindSync:
		return false, f.handleSync()
	case kindFlush:
		return false, f.base.Flush()
	case kindDump:
		return false, f.handleDump(ctx)
	case kindRestore:
		return false, f.handleRestore(ctx, frame)
	default:
		return false, errs.Newf(errs.KindUnsupportedFeature, "unexpected message %q", frame.MsgType)
	}
}

func asError(err error) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.Wrap(errs.KindInternal, err)
}

// sendRecoverable reports err to the client. Per spec.md §7: a Simple-Query
// ('Q'-equivalent, ExecuteScript) error sends error+ReadyForCommand
// directly; any other message's error enters ignore-till-sync.
func (f *Frontend) sendRecoverable(err error, causeKind byte) bool {
	e := asError(err)
	var w wire.WriteBuffer
	w.NewMessage(kindErrorResponse)
	w.PutUint8(severityByte(e.Severity))
	w.PutLenString(e.Code())
	w.PutLenString(e.Message)
	w.EndMessage()
	if causeKind == kindExecuteScript {
		w.NewMessage(kindReadyForCommand)
		w.PutUint8(f.txStatusByte())
		w.EndMessage()
	}
	if err := f.base.Write(w.Bytes()); err != nil {
		return false
	}
	if ferr := f.base.Flush(); ferr != nil {
		return false
	}
	if e.Severity == errs.SeverityFatal {
		return false
	}
	if f.view != nil {
		f.view.OnError()
	}
	if causeKind != kindExecuteScript {
		f.ignoreTillSync = true
	}
	return true
}

func severityByte(s errs.Severity) uint8 {
	switch s {
	case errs.SeverityFatal:
		return 1
	case errs.SeverityPanic:
		return 2
	default:
		return 0
	}
}

func (f *Frontend) txStatusByte() byte {
	if f.view.TxError() {
		return txStatusInError
	}
	if f.view.InTx() {
		return txStatusInTx
	}
	return txStatusIdle
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
