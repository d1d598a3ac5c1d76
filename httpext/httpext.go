// Package httpext implements the edgeql and notebook HTTP extensions
// (spec.md §4.J): one-shot query execution and JSON envelopes over the same
// compiler/backend-pool boundary the binary and PG frontends use.
//
// Grounded on pgfrontend's handleSimpleQuery (query.go) for how a compiled
// QueryUnitGroup becomes a backendpool.Action batch; schemaForUnit and
// toNormalizeConstants are duplicated here rather than imported, matching
// this module's established pattern of keeping each protocol surface
// self-contained (see binaryproto's own copies, documented in DESIGN.md).
package httpext

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/normalize"
	"github.com/mevdschee/dbfrontend/paramremap"
	"github.com/mevdschee/dbfrontend/pgview"
)

// notebookCapabilities is the capability ceiling a notebook query may
// require (spec.md §4.J): the notebook wraps every query in its own
// SERIALIZABLE transaction and rolls it back at the end, so it allows
// MODIFICATIONS and DDL but not raw transaction control or CONFIGURE.
const notebookCapabilities = compiler.CapModifications | compiler.CapDDL

const (
	protocolVersionHeader = "EdgeDB-Protocol-Version"
	protocolVersionValue  = "2.0"
)

// BackendPool is the subset of *backendpool.Pool these handlers depend on.
type BackendPool interface {
	Acquire(ctx context.Context, database string) (*backendpool.Conn, error)
	Release(c *backendpool.Conn)
	Discard(c *backendpool.Conn)
}

// Handler serves the edgeql and notebook HTTP extensions against a
// compiler and a pooled backend. Its methods satisfy httpmux.ExtensionHandler.
type Handler struct {
	Compiler compiler.Client
	Pool     BackendPool
}

type edgeqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
	Globals   map[string]interface{} `json:"globals"`
}

// EdgeQL serves db/<name>/edgeql: compile req.Query, run it to completion
// against a pooled backend connection, and answer with {"data": ...} or
// {"error": ...} (spec.md §4.J).
func (h *Handler) EdgeQL(w http.ResponseWriter, r *http.Request, database string) {
	w.Header().Set(protocolVersionHeader, protocolVersionValue)

	req, err := parseEdgeQLRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, errs.New(errs.KindProtocolViolation, "missing query"))
		return
	}

	ctx := r.Context()
	group, err := h.Compiler.Compile(ctx, compiler.QueryRequestInfo{
		NormalizedSource:  req.Query,
		OutputFormat:      compiler.OutputFormatJSON,
		AllowCapabilities: compiler.CapModifications | compiler.CapDDL | compiler.CapTransaction,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := h.Pool.Acquire(ctx, database)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer h.Pool.Release(conn)

	view := pgview.New(nil, nil)
	data, err := executeForJSON(ctx, conn, view, group)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"data": data})
}

func parseEdgeQLRequest(r *http.Request) (*edgeqlRequest, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req := &edgeqlRequest{Query: q.Get("query")}
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
				return nil, errs.Wrap(errs.KindProtocolViolation, err)
			}
		}
		if v := q.Get("globals"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Globals); err != nil {
				return nil, errs.Wrap(errs.KindProtocolViolation, err)
			}
		}
		return req, nil
	}
	var req edgeqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errs.Wrap(errs.KindProtocolViolation, err)
	}
	return &req, nil
}

// executeForJSON runs every unit of group as one implicit-transaction batch
// and returns the last unit's rows re-encoded as a JSON array, matching
// compiler.OutputFormatJSON's contract that result bytes are already JSON
// text.
func executeForJSON(ctx context.Context, conn *backendpool.Conn, view *pgview.View, group *compiler.QueryUnitGroup) (json.RawMessage, error) {
	clone := view.Clone()
	var actions []backendpool.Action
	if !clone.InTx() {
		if err := clone.StartImplicit(); err != nil {
			return nil, err
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
			return nil, err
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

	results, err := conn.Execute(ctx, actions)
	if err != nil {
		return nil, err
	}

	var lastRows []*pgproto3.DataRow
	for _, res := range results {
		if res.Err != nil {
			return nil, errs.New(errs.KindBackend, res.Err.Message)
		}
		if res.DataRows != nil {
			lastRows = res.DataRows
		}
	}

	if clone.InTxImplicit() && !clone.InTxExplicit() {
		clone.EndImplicit()
	}

	return rowsToJSON(lastRows)
}

type notebookRequest struct {
	Queries []string `json:"queries"`
}

type notebookUnitResult struct {
	Kind  string        `json:"kind"`
	Data  []string      `json:"data,omitempty"`
	Error []interface{} `json:"error,omitempty"`
}

// Notebook serves db/<name>/notebook: compile every query, reject any unit
// exceeding notebookCapabilities or carrying parameters, then execute each
// unit sequentially inside a SERIALIZABLE transaction rolled back at the
// end (spec.md §4.J).
func (h *Handler) Notebook(w http.ResponseWriter, r *http.Request, database string) {
	w.Header().Set(protocolVersionHeader, protocolVersionValue)
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errs.New(errs.KindProtocolViolation, "notebook requires POST"))
		return
	}

	var req notebookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.Wrap(errs.KindProtocolViolation, err))
		return
	}

	ctx := r.Context()
	var units []compiler.QueryUnit
	for _, q := range req.Queries {
		group, err := h.Compiler.Compile(ctx, compiler.QueryRequestInfo{
			NormalizedSource: q, AllowCapabilities: notebookCapabilities,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		for _, unit := range group.Units {
			if unit.ExternalParamCount > 0 {
				writeError(w, http.StatusBadRequest, errs.New(errs.KindProtocolViolation, "notebook queries may not take parameters"))
				return
			}
			if !compiler.Allows(unit.Capabilities, notebookCapabilities) {
				writeError(w, http.StatusBadRequest, errs.New(errs.KindDisabledCapability, "query exceeds notebook capabilities"))
				return
			}
		}
		units = append(units, group.Units...)
	}

	conn, err := h.Pool.Acquire(ctx, database)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer h.Pool.Release(conn)

	if err := beginSerializable(ctx, conn); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer rollback(ctx, conn)

	results := make([]notebookUnitResult, len(units))
	for i, unit := range units {
		results[i] = executeNotebookUnit(ctx, conn, unit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"kind": "results", "results": results})
}

func beginSerializable(ctx context.Context, conn *backendpool.Conn) error {
	actions := []backendpool.Action{
		{Kind: backendpool.ActionParse, SQL: "BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE", Injected: true},
		{Kind: backendpool.ActionBind, Bind: &pgproto3.Bind{}, Injected: true},
		{Kind: backendpool.ActionExecute, Injected: true},
		{Kind: backendpool.ActionSync, Injected: true},
	}
	_, err := conn.Execute(ctx, actions)
	return err
}

func rollback(ctx context.Context, conn *backendpool.Conn) {
	actions := []backendpool.Action{
		{Kind: backendpool.ActionParse, SQL: "ROLLBACK", Injected: true},
		{Kind: backendpool.ActionBind, Bind: &pgproto3.Bind{}, Injected: true},
		{Kind: backendpool.ActionExecute, Injected: true},
		{Kind: backendpool.ActionSync, Injected: true},
	}
	conn.Execute(ctx, actions)
}

func executeNotebookUnit(ctx context.Context, conn *backendpool.Conn, unit compiler.QueryUnit) notebookUnitResult {
	schema := schemaForUnit(unit)
	extracted := toNormalizeConstants(unit.ExtraConstants)
	parse := &pgproto3.Parse{Query: unit.SQL}
	remappedParse := paramremap.RemapParameters(parse, schema)
	remappedBind, err := paramremap.RemapArguments(&pgproto3.Bind{}, schema, nil, extracted)
	if err != nil {
		return errorResult(err)
	}
	actions := []backendpool.Action{
		{Kind: backendpool.ActionParse, SQL: unit.SQL, ParamOIDs: remappedParse.ParameterOIDs, Injected: true},
		{Kind: backendpool.ActionBind, Bind: remappedBind, Injected: true},
		{Kind: backendpool.ActionExecute},
		{Kind: backendpool.ActionSync, Injected: true},
	}
	results, err := conn.Execute(ctx, actions)
	if err != nil {
		return errorResult(err)
	}
	for _, res := range results {
		if res.Err != nil {
			return errorResult(errs.New(errs.KindBackend, res.Err.Message))
		}
	}
	return dataResult(unit, results)
}

func dataResult(unit compiler.QueryUnit, results []backendpool.Result) notebookUnitResult {
	var rows []*pgproto3.DataRow
	var statusTag string
	for _, res := range results {
		if res.DataRows != nil {
			rows = res.DataRows
		}
		if res.CommandTag != "" {
			statusTag = res.CommandTag
		}
	}
	rowsJSON, err := rowsToJSON(rows)
	if err != nil {
		return errorResult(err)
	}
	names := make([]string, len(unit.OutTypes))
	for i, t := range unit.OutTypes {
		names[i] = t.Name
	}
	namesJSON, _ := json.Marshal(names)

	return notebookUnitResult{
		Kind: "data",
		Data: []string{
			base64.StdEncoding.EncodeToString(unit.OutTypeID[:]),
			base64.StdEncoding.EncodeToString(namesJSON),
			base64.StdEncoding.EncodeToString(rowsJSON),
			base64.StdEncoding.EncodeToString([]byte(statusTag)),
		},
	}
}

func errorResult(err error) notebookUnitResult {
	e := asError(err)
	return notebookUnitResult{
		Kind:  "error",
		Error: []interface{}{string(e.Kind), e.Message, map[string]interface{}{}},
	}
}

func rowsToJSON(rows []*pgproto3.DataRow) (json.RawMessage, error) {
	if len(rows) == 0 {
		return json.RawMessage("null"), nil
	}
	if len(rows) == 1 && len(rows[0].Values) == 1 && rows[0].Values[0] != nil {
		return json.RawMessage(rows[0].Values[0]), nil
	}
	out := make([][]json.RawMessage, len(rows))
	for i, row := range rows {
		vals := make([]json.RawMessage, len(row.Values))
		for j, v := range row.Values {
			if v == nil {
				vals[j] = json.RawMessage("null")
			} else {
				vals[j] = json.RawMessage(v)
			}
		}
		out[i] = vals
	}
	return json.Marshal(out)
}

func asError(err error) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.Wrap(errs.KindInternal, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	e := asError(err)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"type":    string(e.Kind),
			"message": e.Message,
		},
	})
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
