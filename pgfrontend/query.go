package pgfrontend

import (
	"context"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/paramremap"
	"github.com/mevdschee/dbfrontend/prepared"
)

// handleSimpleQuery runs a 'Q' message as a single-shot extended-protocol
// batch against the backend (spec.md §4.F: the simple-query path is built
// entirely out of the same Parse/Bind/Execute/Sync actions the extended
// protocol uses, just with unnamed statements and portals hidden from the
// client).
func (f *Frontend) handleSimpleQuery(ctx context.Context, sql string) error {
	group, err := f.compiler.CompileSQL(ctx, sql, compiler.QueryRequestInfo{NormalizedSource: sql})
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
		parse := &pgproto3.Parse{Query: unit.SQL}
		remappedParse := paramremap.RemapParameters(parse, schema)
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
	f.forwardResults(actions, results)

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

// replyStandaloneError reports an error that occurred before any backend
// round trip (a compile failure, a local view precondition) and closes the
// simple-query cycle with its own ReadyForQuery, since a 'Q' message is
// never part of a client-visible extended-query batch.
func (f *Frontend) replyStandaloneError(err error) error {
	e := asError(err)
	f.backend.Send(&pgproto3.ErrorResponse{Severity: string(e.Severity), Code: e.Code(), Message: e.Message})
	f.backend.Send(&pgproto3.ReadyForQuery{TxStatus: f.txStatusByte()})
	return f.backend.Flush()
}

// handleParse compiles the statement now (so a bad statement errors
// immediately rather than surfacing only on a later Bind/Describe/Execute),
// caches it in the prepared-statement registry, and queues the matching
// backend Parse action (spec.md §4.H).
func (f *Frontend) handleParse(m *pgproto3.Parse) error {
	clone := f.ensureClone()
	class := compiler.Classify(m.Query)
	group, err := f.compiler.CompileSQL(context.Background(), m.Query, compiler.QueryRequestInfo{NormalizedSource: m.Query})
	if err != nil {
		return err
	}
	if len(group.Units) != 1 {
		return errs.New(errs.KindInvalidSQLStatement, "pgfrontend: Parse requires exactly one statement")
	}
	unit := group.Units[0]
	schema := schemaForUnit(unit)
	remapped := paramremap.RemapParameters(m, schema)

	action := &prepared.ParseAction{
		StmtName:   m.Name,
		SQL:        unit.SQL,
		ParamTypes: remapped.ParameterOIDs,
		FeSettings: clone.FrontendSettings(),
		Unit:       unit,
		Valid:      true,
	}
	if class.StmtOp == compiler.StmtOpExecute {
		action.References = []string{class.StmtName}
	}
	if err := f.registry.AddParse(m.Name, m.Query, action); err != nil {
		return err
	}

	f.batch = append(f.batch, backendpool.Action{
		Kind: backendpool.ActionParse, StmtName: m.Name, SQL: unit.SQL, ParamOIDs: remapped.ParameterOIDs,
	})
	return nil
}

func (f *Frontend) handleBind(m *pgproto3.Bind) error {
	clone := f.ensureClone()
	stmt, err := f.registry.GetParse(m.PreparedStatement)
	if err != nil {
		return err
	}
	unit := stmt.ParseAction.Unit
	schema := schemaForUnit(unit)
	extracted := toNormalizeConstants(unit.ExtraConstants)
	remapped, err := paramremap.RemapArguments(m, schema, clone.FrontendSettings(), extracted)
	if err != nil {
		return err
	}

	if !clone.InTx() {
		if err := clone.StartImplicit(); err != nil {
			return err
		}
		f.batch = append(f.batch, backendpool.Action{Kind: backendpool.ActionStartImplicitTx})
	}
	if err := clone.CreatePortal(m.DestinationPortal, unit); err != nil {
		return err
	}

	f.batch = append(f.batch, backendpool.Action{
		Kind: backendpool.ActionBind, Portal: m.DestinationPortal, StmtName: m.PreparedStatement, Bind: remapped,
	})
	return nil
}

func (f *Frontend) handleDescribe(m *pgproto3.Describe) error {
	clone := f.ensureClone()
	switch m.ObjectType {
	case 'S':
		if _, err := f.registry.GetParse(m.Name); err != nil {
			return err
		}
		f.batch = append(f.batch, backendpool.Action{Kind: backendpool.ActionDescribeStmt, StmtName: m.Name})
	case 'P':
		if _, err := clone.FindPortal(m.Name); err != nil {
			return err
		}
		f.batch = append(f.batch, backendpool.Action{Kind: backendpool.ActionDescribePortal, Portal: m.Name})
	default:
		return errs.Newf(errs.KindProtocolViolation, "unknown Describe object type %q", m.ObjectType)
	}
	return nil
}

func (f *Frontend) handleExecute(m *pgproto3.Execute) error {
	clone := f.ensureClone()
	portal, err := clone.FindPortal(m.Portal)
	if err != nil {
		return err
	}
	if err := clone.OnSuccess(portal.Unit); err != nil {
		clone.OnError()
	}
	f.batch = append(f.batch, backendpool.Action{Kind: backendpool.ActionExecute, Portal: m.Portal, MaxRows: int32(m.MaxRows)})
	return nil
}

func (f *Frontend) handleClose(m *pgproto3.Close) error {
	clone := f.ensureClone()
	switch m.ObjectType {
	case 'S':
		if err := f.registry.CloseParse(m.Name); err != nil {
			return err
		}
		f.batch = append(f.batch, backendpool.Action{Kind: backendpool.ActionCloseStmt, StmtName: m.Name})
	case 'P':
		if err := clone.ClosePortal(m.Name); err != nil {
			return err
		}
		f.batch = append(f.batch, backendpool.Action{Kind: backendpool.ActionClosePortal, Portal: m.Name})
	default:
		return errs.Newf(errs.KindProtocolViolation, "unknown Close object type %q", m.ObjectType)
	}
	return nil
}

// handleFlushMsg executes everything accumulated so far (without ending the
// batch) so the client can see early results while still pipelining further
// Parse/Bind/Execute on the same backend connection (spec.md §4.F).
func (f *Frontend) handleFlushMsg(ctx context.Context) error {
	f.batch = append(f.batch, backendpool.Action{Kind: backendpool.ActionFlush, Injected: true})
	conn, err := f.ensureActiveConn(ctx)
	if err != nil {
		return err
	}
	results, err := conn.Execute(ctx, f.batch)
	if err != nil {
		f.pool.Discard(conn)
		f.activeConn = nil
		f.pinned = nil
		f.resetBatch()
		return err
	}
	f.forwardResults(f.batch, results)
	f.batch = nil
	return nil
}

// handleSync executes the accumulated batch as one unit, commits the
// preplayed view clone on success, and pins or releases the backend
// connection depending on whether a transaction is still open (spec.md §5,
// §9 clone-and-preplay).
func (f *Frontend) handleSync(ctx context.Context) error {
	clone := f.ensureClone()
	f.batch = append(f.batch, backendpool.Action{Kind: backendpool.ActionSync})

	conn, err := f.ensureActiveConn(ctx)
	if err != nil {
		f.resetBatch()
		return err
	}
	results, err := conn.Execute(ctx, f.batch)
	if err != nil {
		f.pool.Discard(conn)
		f.activeConn = nil
		f.pinned = nil
		f.resetBatch()
		return err
	}
	f.forwardResults(f.batch, results)

	if clone.InTx() {
		f.pinned = conn
	} else {
		f.pool.Release(conn)
		f.pinned = nil
	}
	f.activeConn = nil
	f.view = clone
	f.resetBatch()
	return nil
}

// forwardResults correlates actions with the replies Execute returned, in
// order, and writes the client-visible ones to the wire. A backend error
// mid-batch causes every action between the erroring one and the trailing
// Sync to be skipped without a reply, matching how a real backend stops
// processing an aborted extended-query batch until Sync (spec.md §4.F).
func (f *Frontend) forwardResults(actions []backendpool.Action, results []backendpool.Result) {
	ai := 0
	for _, r := range results {
		if r.ReadyForQuery {
			f.backend.Send(&pgproto3.ReadyForQuery{TxStatus: r.TxStatus})
			continue
		}
		if ai >= len(actions) {
			continue
		}
		act := actions[ai]
		if !act.Injected {
			f.sendActionResult(act, r)
		}
		ai++
		if r.Err != nil && len(actions) > 0 {
			ai = len(actions) - 1
		}
	}
	f.backend.Flush()
}

func (f *Frontend) sendActionResult(act backendpool.Action, r backendpool.Result) {
	if r.Err != nil {
		f.backend.Send(r.Err)
		return
	}
	switch act.Kind {
	case backendpool.ActionParse:
		f.backend.Send(&pgproto3.ParseComplete{})
	case backendpool.ActionBind:
		f.backend.Send(&pgproto3.BindComplete{})
	case backendpool.ActionDescribeStmt:
		if r.ParameterDescription != nil {
			f.backend.Send(r.ParameterDescription)
		}
		if r.NoData {
			f.backend.Send(&pgproto3.NoData{})
		} else if r.RowDescription != nil {
			f.backend.Send(r.RowDescription)
		}
	case backendpool.ActionDescribePortal:
		if r.NoData {
			f.backend.Send(&pgproto3.NoData{})
		} else if r.RowDescription != nil {
			f.backend.Send(r.RowDescription)
		}
	case backendpool.ActionExecute:
		for _, row := range r.DataRows {
			f.backend.Send(row)
		}
		if r.PortalSuspended {
			f.backend.Send(&pgproto3.PortalSuspended{})
		} else {
			f.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(r.CommandTag)})
		}
	case backendpool.ActionCloseStmt, backendpool.ActionClosePortal:
		f.backend.Send(&pgproto3.CloseComplete{})
	case backendpool.ActionStartImplicitTx:
		f.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(r.CommandTag)})
	}
}
