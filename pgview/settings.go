// Package pgview implements PgConnectionView: the per-connection PostgreSQL
// session state — settings, transaction nesting, savepoints and portals —
// decoupled from the pooled backend connection that actually executes SQL
// (spec.md §4.E).
package pgview

// Settings is an immutable keyed mapping from setting name to its current
// override value. A key absent from the map means "at its default", so
// ResetAll is simply an empty map. Snapshots taken onto the savepoint
// stack are safe to alias because Settings is never mutated in place;
// every change goes through Mutate/Finish and produces a new map (spec.md
// §3, "copy-on-write mutate()/finish() semantics").
type Settings map[string]string

// Get returns the override value for key, if any.
func (s Settings) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Mutator accumulates changes to a Settings snapshot before Finish commits
// them as a new, independent Settings value.
type Mutator struct {
	m map[string]string
}

// Mutate begins a copy-on-write change against s.
func (s Settings) Mutate() *Mutator {
	cp := make(map[string]string, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return &Mutator{m: cp}
}

// Set overrides key to value.
func (m *Mutator) Set(key, value string) *Mutator {
	m.m[key] = value
	return m
}

// Reset removes key's override, returning it to its default.
func (m *Mutator) Reset(key string) *Mutator {
	delete(m.m, key)
	return m
}

// ResetAll clears every override ("RESET ALL", spec.md §4.E's `{None: None}`
// sentinel).
func (m *Mutator) ResetAll() *Mutator {
	m.m = map[string]string{}
	return m
}

// Finish commits the accumulated changes as a new Settings value. The
// Mutator must not be reused afterward.
func (m *Mutator) Finish() Settings {
	return Settings(m.m)
}

// SetVar describes one requested change: Reset true means "reset to
// default" (spec.md §4.E's `set_vars` mapping, where a None value means
// reset). IsLocal restricts the change to the current transaction's local
// settings surface, dropped at transaction boundary.
type SetVar struct {
	Key     string
	Value   string
	Reset   bool
	IsLocal bool
	// ResetAll, when true, ignores Key/Value and resets every setting.
	ResetAll bool
}
