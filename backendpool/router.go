package backendpool

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Router layers primary/replica selection on top of plain Pools: the binary
// and PG frontends always go through Primary() for transactional
// consistency, while read-mostly HTTP-extension traffic (spec.md §4.J) can
// spread across healthy replicas via AcquireRead.
//
// Adapted from replica/pool.go's round-robin-plus-health-check Pool, which
// tracked bare addresses; this version tracks a live *Pool per address so
// AcquireRead can hand back an already-connected backend the same way
// Acquire does.
type Router struct {
	primary *Pool

	mu       sync.RWMutex
	replicas []*Pool
	healthy  map[*Pool]bool
	current  int
}

// NewRouter wraps a primary pool and zero or more replica pools.
func NewRouter(primary *Pool, replicas []*Pool) *Router {
	r := &Router{primary: primary, replicas: replicas, healthy: make(map[*Pool]bool, len(replicas))}
	for _, p := range replicas {
		r.healthy[p] = true
	}
	return r
}

// Primary returns the primary pool.
func (r *Router) Primary() *Pool { return r.primary }

// Acquire always goes through the primary, for callers that need read-your-
// writes consistency (pgfrontend, binaryproto).
func (r *Router) Acquire(ctx context.Context, database string) (*Conn, error) {
	return r.primary.Acquire(ctx, database)
}

// Release returns c to whichever pool it came from. Since Conn does not
// track its owning pool, callers that acquired via AcquireRead must release
// through the same *Pool.Release, not through Router; Router.Release exists
// only for the Acquire (primary) path.
func (r *Router) Release(c *Conn) { r.primary.Release(c) }

// Discard discards c via the primary pool's accounting.
func (r *Router) Discard(c *Conn) { r.primary.Discard(c) }

// AcquireRead hands out a connection from the next healthy replica in
// round-robin order, falling back to the primary if no replica is healthy
// (spec.md §4.J read-mostly HTTP extension traffic). It returns the pool the
// connection came from so the caller releases/discards against the right
// one.
func (r *Router) AcquireRead(ctx context.Context, database string) (*Conn, *Pool, error) {
	pool, _ := r.pickReplica()
	conn, err := pool.Acquire(ctx, database)
	if err != nil {
		return nil, nil, err
	}
	return conn, pool, nil
}

func (r *Router) pickReplica() (*Pool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.replicas) == 0 {
		return r.primary, "primary"
	}

	attempts := 0
	for attempts < len(r.replicas) {
		idx := r.current
		p := r.replicas[idx]
		r.current = (r.current + 1) % len(r.replicas)
		attempts++
		if r.healthy[p] {
			return p, fmt.Sprintf("replica%d", idx+1)
		}
	}

	log.Printf("[BackendPool] no healthy replicas available, routing read to primary")
	return r.primary, "primary"
}

// MarkUnhealthy excludes p from read routing until a later health check
// marks it healthy again.
func (r *Router) MarkUnhealthy(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.healthy[p]; ok {
		r.healthy[p] = false
	}
}

// MarkHealthy re-admits p to read routing.
func (r *Router) MarkHealthy(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.healthy[p]; ok {
		r.healthy[p] = true
	}
}

// HealthyReplicaCount reports how many replicas are currently eligible for
// AcquireRead.
func (r *Router) HealthyReplicaCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ok := range r.healthy {
		if ok {
			n++
		}
	}
	return n
}

// StartHealthChecks runs a TCP-dial liveness probe against every replica's
// address every interval, until ctx is done.
func (r *Router) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.checkAllReplicas()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAllReplicas()
		}
	}
}

func (r *Router) checkAllReplicas() {
	r.mu.RLock()
	replicas := append([]*Pool(nil), r.replicas...)
	r.mu.RUnlock()
	for _, p := range replicas {
		go r.checkReplica(p)
	}
}

func (r *Router) checkReplica(p *Pool) {
	conn, err := net.DialTimeout("tcp", p.addr, 2*time.Second)
	if err != nil {
		r.MarkUnhealthy(p)
		return
	}
	conn.Close()
	r.MarkHealthy(p)
}
