package binaryproto

import (
	"context"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/paramremap"
	"github.com/mevdschee/dbfrontend/prepared"
	"github.com/mevdschee/dbfrontend/wire"
)

type commandHeader struct {
	Headers     []Header
	IOFormat    byte
	Cardinality byte
}

func readCommandHeader(r *wire.ReadBuffer) (commandHeader, error) {
	headers, err := readHeaders(r)
	if err != nil {
		return commandHeader{}, err
	}
	ioFormat, err := r.ReadUint8()
	if err != nil {
		return commandHeader{}, err
	}
	card, err := r.ReadUint8()
	if err != nil {
		return commandHeader{}, err
	}
	return commandHeader{Headers: headers, IOFormat: ioFormat, Cardinality: card}, nil
}

func readArgs(r *wire.ReadBuffer) ([][]byte, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	args := make([][]byte, 0, n)
	for i := uint16(0); i < n; i++ {
		v, err := r.ReadLenBytes()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func outputFormatFrom(b byte) compiler.OutputFormat {
	switch b {
	case 'j':
		return compiler.OutputFormatJSON
	case 'n':
		return compiler.OutputFormatNone
	default:
		return compiler.OutputFormatBinary
	}
}

func cardinalityFrom(b byte) compiler.Cardinality {
	if b == 'o' {
		return compiler.CardinalityAtMostOne
	}
	return compiler.CardinalityMany
}

func cardinalityByte(c compiler.Cardinality) byte {
	switch c {
	case compiler.CardinalityAtMostOne:
		return 'o'
	case compiler.CardinalityNoResult:
		return 'n'
	default:
		return 'm'
	}
}

// allowedCapabilities reads the client's requested capability allow-mask
// from the command header; absent, every capability is allowed (spec.md §3,
// §6 `ALLOW_CAPABILITIES` header).
func allowedCapabilities(headers []Header) compiler.Capability {
	raw, ok := findHeader(headers, headerAllowCapabilities)
	if !ok || len(raw) != 8 {
		return ^compiler.Capability(0)
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return compiler.Capability(v)
}

// compileOne compiles command as a single-unit EdgeQL request, the shape
// Parse and OptimisticExecute both need (spec.md §4.D).
func (f *Frontend) compileOne(ctx context.Context, command string, ch commandHeader) (compiler.QueryUnit, error) {
	group, err := f.compiler.Compile(ctx, compiler.QueryRequestInfo{
		NormalizedSource:    command,
		OutputFormat:        outputFormatFrom(ch.IOFormat),
		ExpectedCardinality: cardinalityFrom(ch.Cardinality),
	})
	if err != nil {
		return compiler.QueryUnit{}, errs.Wrap(errs.KindUnsupportedFeature, err)
	}
	if len(group.Units) != 1 {
		return compiler.QueryUnit{}, errs.New(errs.KindProtocolViolation, "binaryproto: Parse/OptimisticExecute requires exactly one statement")
	}
	return group.Units[0], nil
}

// sendDescriptor replies with the compiled unit's capability mask,
// cardinality and type ids. The type descriptor codec itself (the byte
// encoding of in/out shapes) is not implemented, since no EdgeQL type
// system exists in this module to describe; only the stable ids travel.
func (f *Frontend) sendDescriptor(unit compiler.QueryUnit) error {
	var w wire.WriteBuffer
	w.NewMessage(kindCommandDataDescription)
	w.PutUint64(uint64(unit.Capabilities))
	w.PutUint8(cardinalityByte(unit.Cardinality))
	w.PutUUID(unit.InTypeID)
	w.PutBytes(nil)
	w.PutUUID(unit.OutTypeID)
	w.PutBytes(nil)
	w.EndMessage()
	if err := f.base.Write(w.Bytes()); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	return f.base.Flush()
}

func (f *Frontend) handleParse(ctx context.Context, frame *wire.ReadBuffer) error {
	ch, err := readCommandHeader(frame)
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	command, err := frame.ReadLenString()
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	unit, err := f.compileOne(ctx, command, ch)
	if err != nil {
		return err
	}
	f.current = &prepared.ParseAction{SQL: unit.SQL, Unit: unit, Valid: true}
	f.allowedCaps = allowedCapabilities(ch.Headers)
	return f.sendDescriptor(unit)
}

func (f *Frontend) handleDescribeLegacy() error {
	if f.current == nil {
		return errs.New(errs.KindProtocolViolation, "Describe without a prior Parse")
	}
	return f.sendDescriptor(f.current.Unit)
}

func (f *Frontend) handleExecute(ctx context.Context, frame *wire.ReadBuffer) error {
	if _, err := readHeaders(frame); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	args, err := readArgs(frame)
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	if f.current == nil || !f.current.Valid {
		return errs.New(errs.KindProtocolViolation, "Execute without a prior Parse")
	}
	return f.execute(ctx, f.current.Unit, args)
}

// handleOptimisticExecute fuses Parse and Execute: if the client's cached
// input/output type ids still match what the compiler produces, it
// executes immediately; otherwise it returns a descriptor so the client can
// retry with updated ids instead of risking a mis-decoded result
// (spec.md §4.D).
func (f *Frontend) handleOptimisticExecute(ctx context.Context, frame *wire.ReadBuffer) error {
	ch, err := readCommandHeader(frame)
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	command, err := frame.ReadLenString()
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	inputID, err := frame.ReadUUID()
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	outputID, err := frame.ReadUUID()
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	args, err := readArgs(frame)
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	unit, err := f.compileOne(ctx, command, ch)
	if err != nil {
		return err
	}
	if unit.InTypeID != inputID || unit.OutTypeID != outputID {
		return f.sendDescriptor(unit)
	}
	f.current = &prepared.ParseAction{SQL: unit.SQL, Unit: unit, Valid: true}
	f.allowedCaps = allowedCapabilities(ch.Headers)
	return f.execute(ctx, unit, args)
}

// execute runs one compiled unit as a single backend batch, exactly the
// shape pgfrontend's simple-query path uses, reusing the same
// clone-and-preplay PgConnectionView discipline even though this unit
// arrived over the binary protocol rather than PG wire (spec.md §4.E).
func (f *Frontend) execute(ctx context.Context, unit compiler.QueryUnit, args [][]byte) error {
	if !compiler.Allows(unit.Capabilities, f.allowedCaps) {
		return errs.Newf(errs.KindDisabledCapability, "query requires capabilities %s, allowed %s", unit.Capabilities, f.allowedCaps)
	}
	clone := f.view.Clone()
	var actions []backendpool.Action
	if !clone.InTx() {
		if err := clone.StartImplicit(); err != nil {
			return err
		}
		actions = append(actions, backendpool.Action{Kind: backendpool.ActionStartImplicitTx, Injected: true})
	}

	schema := schemaForUnit(unit)
	extracted := toNormalizeConstants(unit.ExtraConstants)
	formatCodes := []int16{1}
	if len(args) == 0 {
		formatCodes = nil
	}
	remappedBind, err := paramremap.RemapArguments(&pgproto3.Bind{Parameters: args, ParameterFormatCodes: formatCodes}, schema, clone.FrontendSettings(), extracted)
	if err != nil {
		return err
	}
	remappedParse := paramremap.RemapParameters(&pgproto3.Parse{Query: unit.SQL}, schema)
	actions = append(actions,
		backendpool.Action{Kind: backendpool.ActionParse, SQL: unit.SQL, ParamOIDs: remappedParse.ParameterOIDs, Injected: true},
		backendpool.Action{Kind: backendpool.ActionBind, Bind: remappedBind, Injected: true},
		backendpool.Action{Kind: backendpool.ActionExecute},
	)
	if err := clone.OnSuccess(unit); err != nil {
		clone.OnError()
	}
	actions = append(actions, backendpool.Action{Kind: backendpool.ActionSync})

	conn, err := f.ensureActiveConn(ctx)
	if err != nil {
		return err
	}
	results, err := conn.Execute(ctx, actions)
	if err != nil {
		f.pool.Discard(conn)
		f.activeConn = nil
		f.pinned = nil
		return err
	}
	f.forwardExecuteResults(actions, results)

	if clone.InTxImplicit() && !clone.InTxExplicit() {
		clone.EndImplicit()
	}
	if clone.InTx() {
		f.pinned = conn
	} else {
		f.pool.Release(conn)
		f.pinned = nil
	}
	f.activeConn = nil
	f.view = clone
	return nil
}

// handleExecuteScript runs a whole EdgeQL script as one backend batch and
// closes the cycle with its own ReadyForCommand, the binary analogue of
// PG's simple-query path (spec.md §4.D "Q legacy simple-query").
func (f *Frontend) handleExecuteScript(ctx context.Context, frame *wire.ReadBuffer) error {
	if _, err := readHeaders(frame); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	command, err := frame.ReadLenString()
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	group, err := f.compiler.Compile(ctx, compiler.QueryRequestInfo{NormalizedSource: command})
	if err != nil {
		return f.replyStandaloneError(err)
	}

	clone := f.view.Clone()
	var actions []backendpool.Action
	if !clone.InTx() {
		if err := clone.StartImplicit(); err != nil {
			return f.replyStandaloneError(err)
		}
		actions = append(actions, backendpool.Action{Kind: backendpool.ActionStartImplicitTx, Injected: true})
	}
	for _, unit := range group.Units {
		schema := schemaForUnit(unit)
		extracted := toNormalizeConstants(unit.ExtraConstants)
		remappedParse := paramremap.RemapParameters(&pgproto3.Parse{Query: unit.SQL}, schema)
		remappedBind, err := paramremap.RemapArguments(&pgproto3.Bind{}, schema, clone.FrontendSettings(), extracted)
		if err != nil {
			return f.replyStandaloneError(err)
		}
		actions = append(actions,
			backendpool.Action{Kind: backendpool.ActionParse, SQL: unit.SQL, ParamOIDs: remappedParse.ParameterOIDs, Injected: true},
			backendpool.Action{Kind: backendpool.ActionBind, Bind: remappedBind, Injected: true},
			backendpool.Action{Kind: backendpool.ActionExecute},
		)
		if err := clone.OnSuccess(unit); err != nil {
			clone.OnError()
		}
	}
	actions = append(actions, backendpool.Action{Kind: backendpool.ActionSync})

	conn, err := f.ensureActiveConn(ctx)
	if err != nil {
		return f.replyStandaloneError(err)
	}
	results, err := conn.Execute(ctx, actions)
	if err != nil {
		f.pool.Discard(conn)
		f.activeConn = nil
		f.pinned = nil
		return err
	}
	f.forwardExecuteResults(actions, results)

	if clone.InTxImplicit() && !clone.InTxExplicit() {
		clone.EndImplicit()
	}
	if clone.InTx() {
		f.pinned = conn
	} else {
		f.pool.Release(conn)
		f.pinned = nil
	}
	f.activeConn = nil
	f.view = clone
	return nil
}

func (f *Frontend) replyStandaloneError(err error) error {
	e := asError(err)
	var w wire.WriteBuffer
	w.NewMessage(kindErrorResponse)
	w.PutUint8(severityByte(e.Severity))
	w.PutLenString(e.Code())
	w.PutLenString(e.Message)
	w.EndMessage()
	w.NewMessage(kindReadyForCommand)
	w.PutUint8(f.txStatusByte())
	w.EndMessage()
	if werr := f.base.Write(w.Bytes()); werr != nil {
		return errs.Wrap(errs.KindProtocolViolation, werr)
	}
	return f.base.Flush()
}

// forwardExecuteResults writes the client-visible replies of one action
// batch, correlating results to actions the same FIFO-with-skip-to-end-on-
// error way pgfrontend's forwardResults does (spec.md §4.F, reused here
// since the backend pool's abort semantics do not depend on which frontend
// protocol issued the batch).
func (f *Frontend) forwardExecuteResults(actions []backendpool.Action, results []backendpool.Result) {
	ai := 0
	var w wire.WriteBuffer
	for _, r := range results {
		if r.ReadyForQuery {
			w.NewMessage(kindReadyForCommand)
			w.PutUint8(r.TxStatus)
			w.EndMessage()
			continue
		}
		if ai >= len(actions) {
			continue
		}
		act := actions[ai]
		if !act.Injected {
			if r.Err != nil {
				w.NewMessage(kindErrorResponse)
				w.PutUint8(0)
				w.PutLenString(r.Err.Code)
				w.PutLenString(r.Err.Message)
				w.EndMessage()
			} else {
				for _, row := range r.DataRows {
					w.NewMessage(kindData)
					w.PutUint16(uint16(len(row.Values)))
					for _, v := range row.Values {
						w.PutBytes(v)
					}
					w.EndMessage()
				}
				w.NewMessage(kindCommandComplete)
				w.PutLenString(r.CommandTag)
				w.EndMessage()
			}
		}
		ai++
		if r.Err != nil && len(actions) > 0 {
			ai = len(actions) - 1
		}
	}
	if err := f.base.Write(w.Bytes()); err != nil {
		return
	}
	f.base.Flush()
}

func (f *Frontend) handleSync() error {
	wasError := f.ignoreTillSync
	f.ignoreTillSync = false
	if wasError && f.activeConn != nil {
		f.pool.Discard(f.activeConn)
		f.activeConn = nil
		f.pinned = nil
	}
	var w wire.WriteBuffer
	w.NewMessage(kindReadyForCommand)
	w.PutUint8(f.txStatusByte())
	w.EndMessage()
	if err := f.base.Write(w.Bytes()); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	return f.base.Flush()
}
