// Package cancel implements the process-wide backend-key registry spec.md
// §4.C/§194 describes: a session registers itself under the (pid, secret)
// pair it handed the client at startup, and a later CancelRequest bearing
// the same pair triggers that session's CancelTarget.CancelSession.
//
// pgfrontend and binaryproto each declare their own CancelRegistry/
// CancelTarget interfaces (spec.md's "self-contained protocol file"
// pattern, see DESIGN.md). Both interfaces are structurally identical, so
// one generic registry backs both concrete types below.
package cancel

import (
	"sync"

	"github.com/mevdschee/dbfrontend/binaryproto"
	"github.com/mevdschee/dbfrontend/pgfrontend"
)

type entry[T any] struct {
	secret uint32
	target T
}

type registry[T interface{ CancelSession() }] struct {
	mu      sync.Mutex
	entries map[uint32]entry[T]
}

func newRegistry[T interface{ CancelSession() }]() *registry[T] {
	return &registry[T]{entries: make(map[uint32]entry[T])}
}

// Register records target under pid, replacing any prior registration for
// the same pid.
func (r *registry[T]) Register(pid, secret uint32, target T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[pid] = entry[T]{secret: secret, target: target}
}

// Unregister removes pid's registration, called when its session ends.
func (r *registry[T]) Unregister(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pid)
}

// Cancel triggers the registered target's CancelSession if pid is known and
// secret matches, silently no-oping otherwise (spec.md §7: never disclose
// why a cancel did or didn't take effect).
func (r *registry[T]) Cancel(pid, secret uint32) {
	r.mu.Lock()
	e, ok := r.entries[pid]
	r.mu.Unlock()
	if !ok || e.secret != secret {
		return
	}
	e.target.CancelSession()
}

// PGRegistry satisfies pgfrontend.CancelRegistry.
type PGRegistry = registry[pgfrontend.CancelTarget]

// BinaryRegistry satisfies binaryproto.CancelRegistry.
type BinaryRegistry = registry[binaryproto.CancelTarget]

// Registries bundles the process-wide cancel tables wired into both
// frontends. Each frontend draws its pids at random, so the two tables are
// independent and the same pid may appear in both.
type Registries struct {
	PG     *PGRegistry
	Binary *BinaryRegistry
}

// NewRegistries builds the process-wide cancel registries wired into both
// the PG-compatible and binary frontends.
func NewRegistries() *Registries {
	return &Registries{
		PG:     newRegistry[pgfrontend.CancelTarget](),
		Binary: newRegistry[binaryproto.CancelTarget](),
	}
}
