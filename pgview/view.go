package pgview

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
)

// savepointFrame is one entry on the savepoint deque: the settings
// surfaces and portal set captured at the moment the savepoint was
// declared (spec.md §4.E).
type savepointFrame struct {
	name            string
	feSettings      Settings
	feLocalSettings Settings
	settings        Settings
	newPortals      map[string]struct{}
}

type serializeCacheEntry struct {
	ptr uintptr
	sql string
}

// View is the per-connection PostgreSQL session state: settings, explicit
// and implicit transaction nesting, the savepoint stack and the portal
// registry (spec.md §4.E). It owns no backend connection; a single View
// survives across many backend connections borrowed from the pool.
type View struct {
	settings   Settings
	feSettings Settings

	inTxExplicit bool
	inTxImplicit bool
	txError      bool

	inTxSettings        Settings
	inTxFeSettings      Settings
	inTxFeLocalSettings Settings
	inTxLocalSettings   Settings

	savepoints []savepointFrame
	newPortals map[string]struct{}

	portals map[string]*Portal

	serializeCache *serializeCacheEntry
}

// New returns a fresh View seeded with the backend and frontend settings
// negotiated at startup.
func New(initialSettings, initialFeSettings Settings) *View {
	if initialSettings == nil {
		initialSettings = Settings{}
	}
	if initialFeSettings == nil {
		initialFeSettings = Settings{}
	}
	return &View{
		settings:   initialSettings,
		feSettings: initialFeSettings,
		portals:    map[string]*Portal{},
	}
}

// Clone returns an independent copy whose settings maps are shared by
// reference (they are never mutated in place) and whose mutable
// structures (the portal registry, the savepoint deque) are shallow-copied
// so mutations against the clone never reach the original. This is the
// "clone-and-preplay" primitive PgFrontend uses to collect an
// extended-query action batch speculatively before committing it to the
// real session state (spec.md §4.F, §9).
func (v *View) Clone() *View {
	clone := *v
	clone.portals = make(map[string]*Portal, len(v.portals))
	for k, p := range v.portals {
		clone.portals[k] = p
	}
	clone.newPortals = cloneSet(v.newPortals)
	clone.savepoints = append([]savepointFrame(nil), v.savepoints...)
	for i := range clone.savepoints {
		clone.savepoints[i].newPortals = cloneSet(clone.savepoints[i].newPortals)
	}
	return &clone
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	if s == nil {
		return nil
	}
	cp := make(map[string]struct{}, len(s))
	for k := range s {
		cp[k] = struct{}{}
	}
	return cp
}

// Adopt replaces v's entire state with other's, the commit half of
// clone-and-preplay: once a pipeline's actions have all succeeded against
// the backend, the preplayed clone becomes the real session state in one
// step.
func (v *View) Adopt(other *View) { *v = *other }

// InTx reports whether either an explicit or implicit transaction is open
// (spec.md §3's `in_tx ⇔ _in_tx_explicit ∨ _in_tx_implicit`).
func (v *View) InTx() bool { return v.inTxExplicit || v.inTxImplicit }

// InTxExplicit reports whether an explicit BEGIN is open.
func (v *View) InTxExplicit() bool { return v.inTxExplicit }

// InTxImplicit reports whether the open transaction was started implicitly
// to wrap a single batch, rather than by an explicit client BEGIN.
func (v *View) InTxImplicit() bool { return v.inTxImplicit }

// TxError reports whether the open transaction has been poisoned by a
// prior error (spec.md §4.E's `_tx_error`).
func (v *View) TxError() bool { return v.txError }

// BackendSettings returns the settings surface visible to the backend
// right now: the local tx overlay while a transaction is open, else the
// committed session settings.
func (v *View) BackendSettings() Settings {
	if v.InTx() {
		return v.inTxLocalSettings
	}
	return v.settings
}

// FrontendSettings returns the fe_settings surface visible right now,
// following the same local-overlay rule as BackendSettings.
func (v *View) FrontendSettings() Settings {
	if v.InTx() {
		return v.inTxFeLocalSettings
	}
	return v.feSettings
}

func (v *View) snapshotIfNeeded() {
	if v.InTx() {
		return
	}
	v.inTxSettings = v.settings
	v.inTxFeSettings = v.feSettings
	v.inTxFeLocalSettings = v.feSettings
	v.inTxLocalSettings = v.settings
	v.newPortals = map[string]struct{}{}
	v.savepoints = nil
}

// StartImplicit opens the implicit (statement-wrapping) transaction PG's
// simple-query protocol always runs inside (spec.md §4.E).
func (v *View) StartImplicit() error {
	if v.inTxImplicit {
		return errs.New(errs.KindInternal, "pgview: already in an implicit transaction")
	}
	v.snapshotIfNeeded()
	v.inTxImplicit = true
	return nil
}

// EndImplicit closes the implicit transaction. If an explicit transaction
// is also open, only the implicit flag clears. Otherwise the tx commits
// (or rolls back, if poisoned by an error) and all transaction-scoped
// state is discarded.
func (v *View) EndImplicit() error {
	if !v.inTxImplicit {
		return errs.New(errs.KindInternal, "pgview: not in an implicit transaction")
	}
	if v.inTxExplicit {
		v.inTxImplicit = false
		return nil
	}
	if v.txError {
		v.rollbackTxState()
	} else {
		v.commitTxState()
	}
	v.inTxImplicit = false
	return nil
}

func (v *View) commitTxState() {
	v.settings = v.inTxSettings
	v.feSettings = v.inTxFeSettings
	v.clearTxState()
}

func (v *View) rollbackTxState() {
	// Base settings were never touched during the transaction; only the
	// inTx* working copies were mutated, so simply discarding them is
	// sufficient to restore pre-transaction state.
	v.clearTxState()
}

func (v *View) clearTxState() {
	v.inTxExplicit = false
	v.inTxImplicit = false
	v.txError = false
	v.inTxSettings = nil
	v.inTxFeSettings = nil
	v.inTxFeLocalSettings = nil
	v.inTxLocalSettings = nil
	v.savepoints = nil
	// Portals only exist while in_tx (spec.md §3).
	for name := range v.newPortals {
		delete(v.portals, name)
	}
	v.newPortals = nil
}

// OnError records that the open transaction is poisoned (spec.md §4.E).
func (v *View) OnError() { v.txError = true }

// OnSuccess applies the transaction-control effect of a successfully
// executed compiled unit (spec.md §4.E). Any call while _tx_error is set,
// other than ROLLBACK or ROLLBACK TO SAVEPOINT, is itself an error.
func (v *View) OnSuccess(unit compiler.QueryUnit) error {
	if v.txError && unit.TxAction != compiler.TxRollback && unit.TxAction != compiler.TxRollbackToSavepoint {
		return errs.New(errs.KindTransaction, "current transaction is aborted, commands ignored until end of transaction block")
	}
	switch unit.TxAction {
	case compiler.TxNone:
		return nil
	case compiler.TxStart:
		v.snapshotIfNeeded()
		v.inTxExplicit = true
		return nil
	case compiler.TxCommit:
		v.commitTxState()
		return nil
	case compiler.TxRollback:
		v.rollbackTxState()
		return nil
	case compiler.TxDeclareSavepoint:
		return v.declareSavepoint(unit.SavepointName)
	case compiler.TxReleaseSavepoint:
		return v.releaseSavepoint(unit.SavepointName)
	case compiler.TxRollbackToSavepoint:
		return v.rollbackToSavepoint(unit.SavepointName)
	default:
		return nil
	}
}

func (v *View) declareSavepoint(name string) error {
	if !v.InTx() {
		return errs.New(errs.KindTransaction, "SAVEPOINT can only be used in transaction blocks")
	}
	v.savepoints = append(v.savepoints, savepointFrame{
		name:            name,
		feSettings:      v.inTxFeSettings,
		feLocalSettings: v.inTxFeLocalSettings,
		settings:        v.inTxSettings,
		newPortals:      v.newPortals,
	})
	v.newPortals = map[string]struct{}{}
	return nil
}

func (v *View) findSavepoint(name string) int {
	for i := len(v.savepoints) - 1; i >= 0; i-- {
		if v.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

func (v *View) releaseSavepoint(name string) error {
	idx := v.findSavepoint(name)
	if idx == -1 {
		v.txError = true
		return errs.Newf(errs.KindTransaction, "no such savepoint %q", name)
	}
	// RELEASE folds the named savepoint's portal bookkeeping into the
	// enclosing frame (or the running newPortals set) without discarding
	// any state, then removes it and everything declared after it.
	for _, f := range v.savepoints[idx:] {
		for k := range f.newPortals {
			v.newPortals[k] = struct{}{}
		}
	}
	v.savepoints = v.savepoints[:idx]
	return nil
}

// rollbackToSavepoint restores the settings captured when name was
// declared and drops every portal introduced since (spec.md §4.E, §8.6).
func (v *View) rollbackToSavepoint(name string) error {
	idx := v.findSavepoint(name)
	if idx == -1 {
		v.txError = true
		return errs.Newf(errs.KindTransaction, "no such savepoint %q", name)
	}
	toDrop := map[string]struct{}{}
	for k := range v.newPortals {
		toDrop[k] = struct{}{}
	}
	for i := len(v.savepoints) - 1; i > idx; i-- {
		for k := range v.savepoints[i].newPortals {
			toDrop[k] = struct{}{}
		}
	}
	frame := v.savepoints[idx]
	v.savepoints = v.savepoints[:idx+1]
	for k := range toDrop {
		delete(v.portals, k)
	}
	v.newPortals = map[string]struct{}{}
	v.inTxFeSettings = frame.feSettings
	v.inTxFeLocalSettings = frame.feLocalSettings
	v.inTxSettings = frame.settings
	v.inTxLocalSettings = frame.settings
	v.txError = false
	return nil
}

// CreatePortal registers a bound statement. Only the unnamed portal may be
// rebound while already present; a duplicate named portal is an error
// (spec.md §4.E).
func (v *View) CreatePortal(name string, unit compiler.QueryUnit) error {
	if !v.InTx() {
		return errs.New(errs.KindInternal, "pgview: portals require an open transaction")
	}
	if name != "" {
		if _, exists := v.portals[name]; exists {
			return errs.Newf(errs.KindInvalidCursorName, "portal %q already exists", name)
		}
	}
	v.portals[name] = &Portal{Name: name, Unit: unit}
	v.newPortals[name] = struct{}{}
	return nil
}

// FindPortal looks up a bound portal by name.
func (v *View) FindPortal(name string) (*Portal, error) {
	p, ok := v.portals[name]
	if !ok {
		return nil, errs.Newf(errs.KindInvalidCursorName, "cursor %q does not exist", name)
	}
	return p, nil
}

// ClosePortal removes a bound portal.
func (v *View) ClosePortal(name string) error {
	if _, ok := v.portals[name]; !ok {
		return errs.Newf(errs.KindInvalidCursorName, "cursor %q does not exist", name)
	}
	delete(v.portals, name)
	delete(v.newPortals, name)
	return nil
}

// isFrontendSetting reports whether key lives on the frontend-evaluated
// settings surface rather than being forwarded to the backend as a GUC
// (spec.md GLOSSARY: "global <mod>::<name>" entries).
func isFrontendSetting(key string) bool {
	return strings.HasPrefix(key, "global ")
}

func applyMutation(target *Settings, sv SetVar) {
	if sv.Reset {
		*target = target.Mutate().Reset(sv.Key).Finish()
	} else {
		*target = target.Mutate().Set(sv.Key, sv.Value).Finish()
	}
}

// ApplySetVars applies a batch of SET/CONFIGURE effects against the
// appropriate settings surface, honoring is_local scoping while a
// transaction is open (spec.md §4.E's `set_vars`).
func (v *View) ApplySetVars(vars []SetVar) {
	for _, sv := range vars {
		v.applyOne(sv)
	}
}

func (v *View) applyOne(sv SetVar) {
	fe := isFrontendSetting(sv.Key)
	if !v.InTx() {
		if sv.ResetAll {
			v.settings = v.settings.Mutate().ResetAll().Finish()
			v.feSettings = v.feSettings.Mutate().ResetAll().Finish()
			return
		}
		if fe {
			applyMutation(&v.feSettings, sv)
		} else {
			applyMutation(&v.settings, sv)
		}
		return
	}

	if sv.ResetAll {
		v.inTxSettings = v.inTxSettings.Mutate().ResetAll().Finish()
		v.inTxFeSettings = v.inTxFeSettings.Mutate().ResetAll().Finish()
		v.inTxLocalSettings = v.inTxLocalSettings.Mutate().ResetAll().Finish()
		v.inTxFeLocalSettings = v.inTxFeLocalSettings.Mutate().ResetAll().Finish()
		return
	}

	if fe {
		// The local surface always receives the change, keeping
		// _in_tx_fe_local_settings ⊇ _in_tx_fe_settings (spec.md §3).
		applyMutation(&v.inTxFeLocalSettings, sv)
		if !sv.IsLocal {
			applyMutation(&v.inTxFeSettings, sv)
		}
		return
	}
	applyMutation(&v.inTxLocalSettings, sv)
	if !sv.IsLocal {
		applyMutation(&v.inTxSettings, sv)
	}
}

// SerializeState encodes the committed backend settings as SQL SET
// statements, for replay against a freshly (re)acquired backend
// connection. Results are cached by the identity of the underlying
// settings map so repeated calls between mutations are free (spec.md
// §4.E).
func (v *View) SerializeState() (string, error) {
	if v.InTx() {
		return "", errs.New(errs.KindInternal, "pgview: cannot serialize state inside a transaction")
	}
	ptr := reflect.ValueOf(map[string]string(v.settings)).Pointer()
	if v.serializeCache != nil && v.serializeCache.ptr == ptr {
		return v.serializeCache.sql, nil
	}
	sql := serializeSettingsAsSQL(v.settings)
	v.serializeCache = &serializeCacheEntry{ptr: ptr, sql: sql}
	return sql, nil
}

func serializeSettingsAsSQL(s Settings) string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "SET %s = %s;", quoteIdent(k), quoteLiteral(s[k]))
	}
	return b.String()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}
