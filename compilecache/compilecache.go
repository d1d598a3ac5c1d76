// Package compilecache is the process-wide compiled-query cache shared by
// every frontend (binary, PG-compatible, HTTP): a QueryRequestInfo's
// canonical Key() maps to the QueryUnitGroup the compiler produced for it,
// so two sessions issuing the same source text never pay for a second
// compile (SPEC_FULL.md §2).
//
// Grounded on cache/cache.go's tqmemory.ShardedCache wiring and its
// GetOrWait/SetAndNotify/inflight sync.Map single-flight pattern, which
// protected a cold query-result cache from a thundering herd; here the same
// shape protects a cold compile cache instead. QueryUnitGroup values are
// gob-encoded for storage since ShardedCache holds []byte.
package compilecache

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"time"

	"github.com/mevdschee/tqmemory/pkg/tqmemory"

	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/metrics"
)

// Config holds tqmemory sizing for the compile cache.
type Config struct {
	MaxMemory int64         // maximum memory in bytes
	Workers   int           // number of shard worker goroutines
	TTL       time.Duration // how long a compiled unit group stays cached
}

// DefaultConfig returns sensible defaults for a single-process frontend.
func DefaultConfig() Config {
	return Config{
		MaxMemory: 32 * 1024 * 1024,
		Workers:   4,
		TTL:       5 * time.Minute,
	}
}

// Cache is a process-wide compiled-query cache keyed by
// compiler.QueryRequestInfo.Key().
type Cache struct {
	store    *tqmemory.ShardedCache
	ttl      time.Duration
	inflight sync.Map // key -> *flight, cold-cache single-flight
}

// flight represents an in-flight compile request other callers can wait on
// instead of recompiling the same source concurrently.
type flight struct {
	done  chan struct{}
	group *compiler.QueryUnitGroup
	err   error
}

// New builds a Cache from cfg.
func New(cfg Config) (*Cache, error) {
	tqcfg := tqmemory.DefaultConfig()
	tqcfg.MaxMemory = cfg.MaxMemory

	store, err := tqmemory.NewSharded(tqcfg, cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, ttl: cfg.TTL}, nil
}

// Get returns the cached QueryUnitGroup for req, if present.
func (c *Cache) Get(req compiler.QueryRequestInfo) (*compiler.QueryUnitGroup, bool) {
	raw, _, _, err := c.store.Get(req.Key())
	if err != nil || raw == nil {
		return nil, false
	}
	group, err := decode(raw)
	if err != nil {
		return nil, false
	}
	return group, true
}

// CompileOrGet returns the cached compilation of req, calling compile to
// produce and cache it on a miss. Concurrent callers for the same req
// collapse onto a single compile call, mirroring cache.Cache.GetOrWait's
// thundering-herd protection.
func (c *Cache) CompileOrGet(req compiler.QueryRequestInfo, compile func() (*compiler.QueryUnitGroup, error)) (*compiler.QueryUnitGroup, error) {
	key := req.Key()

	if group, ok := c.Get(req); ok {
		metrics.CompileCacheHits.WithLabelValues("hit").Inc()
		return group, nil
	}

	f := &flight{done: make(chan struct{})}
	if existing, loaded := c.inflight.LoadOrStore(key, f); loaded {
		waiting := existing.(*flight)
		<-waiting.done
		metrics.CompileCacheHits.WithLabelValues("hit").Inc()
		return waiting.group, waiting.err
	}
	defer c.inflight.Delete(key)
	defer close(f.done)

	metrics.CompileCacheHits.WithLabelValues("miss").Inc()
	group, err := compile()
	f.group, f.err = group, err
	if err == nil {
		if raw, encErr := encode(group); encErr == nil {
			c.store.Set(key, raw, c.ttl)
		}
	}
	return group, err
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

func encode(group *compiler.QueryUnitGroup) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(group); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (*compiler.QueryUnitGroup, error) {
	var group compiler.QueryUnitGroup
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&group); err != nil {
		return nil, err
	}
	return &group, nil
}

// CachedClient decorates a compiler.Client with this process's compile
// cache, so every frontend sharing one CachedClient shares one cache
// (SPEC_FULL.md §2). Dump/restore prologues are not cached: they are
// requested once per dump/restore session, never repeated hot paths.
type CachedClient struct {
	Client compiler.Client
	Cache  *Cache
}

func (c *CachedClient) Compile(ctx context.Context, req compiler.QueryRequestInfo) (*compiler.QueryUnitGroup, error) {
	return c.Cache.CompileOrGet(req, func() (*compiler.QueryUnitGroup, error) {
		return c.Client.Compile(ctx, req)
	})
}

func (c *CachedClient) CompileSQL(ctx context.Context, sourceSQL string, req compiler.QueryRequestInfo) (*compiler.QueryUnitGroup, error) {
	req.NormalizedSource = sourceSQL
	return c.Cache.CompileOrGet(req, func() (*compiler.QueryUnitGroup, error) {
		return c.Client.CompileSQL(ctx, sourceSQL, req)
	})
}

func (c *CachedClient) CompileDumpPrologue(ctx context.Context, dbName string) (*compiler.DumpPrologue, error) {
	return c.Client.CompileDumpPrologue(ctx, dbName)
}

func (c *CachedClient) CompileRestorePrologue(ctx context.Context, dbName string, header compiler.RestoreHeader) (*compiler.RestorePrologue, error) {
	return c.Client.CompileRestorePrologue(ctx, dbName, header)
}
