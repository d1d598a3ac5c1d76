// Package prepared implements the per-connection prepared-statement
// bookkeeping of spec.md §4.H: the extended-query Parse catalog, the
// statement-level PREPARE/EXECUTE/DEALLOCATE catalog, and the wrapping
// graph between them that drives cross-statement invalidation.
package prepared

import (
	"reflect"

	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/pgview"
)

// ParseAction is a cached compiled Parse, replayable against any backend
// connection as long as it remains valid (spec.md §3). References names
// the statement-level PREPAREs its compiled SQL embeds, for wrapping-graph
// bookkeeping.
type ParseAction struct {
	StmtName        string
	SQL             string
	ParamTypes      []uint32
	FeSettings      pgview.Settings
	BackendStmtName string
	Unit            compiler.QueryUnit
	Valid           bool
	References      []string
}

// Clone returns an independent copy, used when replaying a ParseAction as
// an injected action ahead of a client's own action (spec.md §4.F).
func (a *ParseAction) Clone() *ParseAction {
	cp := *a
	cp.ParamTypes = append([]uint32(nil), a.ParamTypes...)
	cp.References = append([]string(nil), a.References...)
	return &cp
}

// Stmt is one client-visible extended-query prepared statement (the
// prepared_stmts entry of spec.md §3).
type Stmt struct {
	Name        string
	Source      string
	ParseAction *ParseAction
}

// SQLStmt is one statement-level PREPARE (spec.md §4.H's sql_prepared_stmts).
type SQLStmt struct {
	Name        string
	BackendName string
	Unit        compiler.QueryUnit
}

// Registry holds the prepared-statement and wrapping-graph state for one
// connection. Prepared statements die with the connection (spec.md §3).
type Registry struct {
	extended map[string]*Stmt
	sqlStmts map[string]*SQLStmt
	wrapping map[string]map[string]struct{} // inner sql name -> outer extended names
}

func NewRegistry() *Registry {
	return &Registry{
		extended: map[string]*Stmt{},
		sqlStmts: map[string]*SQLStmt{},
		wrapping: map[string]map[string]struct{}{},
	}
}

// AddParse registers an extended-query Parse target. The unnamed
// statement may always be re-bound; a named one must be explicitly closed
// first (spec.md §4.H).
func (r *Registry) AddParse(name, source string, action *ParseAction) error {
	if name != "" {
		if _, exists := r.extended[name]; exists {
			return errs.Newf(errs.KindDuplicatePrepared, "prepared statement %q already exists", name)
		}
	}
	r.extended[name] = &Stmt{Name: name, Source: source, ParseAction: action}
	for _, inner := range action.References {
		if r.wrapping[inner] == nil {
			r.wrapping[inner] = map[string]struct{}{}
		}
		r.wrapping[inner][name] = struct{}{}
	}
	return nil
}

// GetParse looks up an extended-query prepared statement.
func (r *Registry) GetParse(name string) (*Stmt, error) {
	s, ok := r.extended[name]
	if !ok {
		return nil, errs.Newf(errs.KindInvalidSQLStatement, "prepared statement %q does not exist", name)
	}
	return s, nil
}

// CloseParse removes an extended-query prepared statement (the `C` Close
// message for a statement target).
func (r *Registry) CloseParse(name string) error {
	if _, ok := r.extended[name]; !ok {
		return errs.Newf(errs.KindInvalidSQLStatement, "prepared statement %q does not exist", name)
	}
	delete(r.extended, name)
	return nil
}

// IsStale reports whether name's cached ParseAction must be recompiled:
// it was never valid, or it was compiled under fe_settings that no longer
// match (spec.md §3, §4.F's `_ensure_ps_locality`).
func (r *Registry) IsStale(name string, currentFeSettings pgview.Settings) bool {
	s, ok := r.extended[name]
	if !ok || s.ParseAction == nil {
		return true
	}
	if !s.ParseAction.Valid {
		return true
	}
	return !reflect.DeepEqual(s.ParseAction.FeSettings, currentFeSettings)
}

// PrepareSQL registers a statement-level PREPARE. Duplicate names are
// rejected (spec.md §4.H).
func (r *Registry) PrepareSQL(name, backendName string, unit compiler.QueryUnit) error {
	if _, exists := r.sqlStmts[name]; exists {
		return errs.Newf(errs.KindDuplicatePrepared, "prepared statement %q already exists", name)
	}
	r.sqlStmts[name] = &SQLStmt{Name: name, BackendName: backendName, Unit: unit}
	return nil
}

// ExecuteSQL looks up a statement-level PREPARE by its user-visible name.
func (r *Registry) ExecuteSQL(name string) (*SQLStmt, error) {
	s, ok := r.sqlStmts[name]
	if !ok {
		return nil, errs.Newf(errs.KindInvalidSQLStatement, "prepared statement %q does not exist", name)
	}
	return s, nil
}

// DeallocateSQL removes a statement-level PREPARE and invalidates every
// extended-query statement that wraps it, cascading through any further
// wrapping relationships (spec.md §4.H).
func (r *Registry) DeallocateSQL(name string) error {
	if _, ok := r.sqlStmts[name]; !ok {
		return errs.Newf(errs.KindInvalidSQLStatement, "prepared statement %q does not exist", name)
	}
	delete(r.sqlStmts, name)
	r.invalidateOuters(name)
	delete(r.wrapping, name)
	return nil
}

func (r *Registry) invalidateOuters(inner string) {
	outers := r.wrapping[inner]
	delete(r.wrapping, inner)
	for outer := range outers {
		if stmt, ok := r.extended[outer]; ok {
			if stmt.ParseAction != nil {
				stmt.ParseAction.Valid = false
			}
			delete(r.extended, outer)
		}
		r.invalidateOuters(outer)
	}
}

// HasWrapping reports whether inner is currently wrapped by any outer
// extended-query statement, for tests and diagnostics.
func (r *Registry) HasWrapping(inner string) bool {
	return len(r.wrapping[inner]) > 0
}
