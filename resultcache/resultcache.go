// Package resultcache is the optional, disabled-by-default TTL cache of
// forwarded (non-intercepted) SELECT results described in SPEC_FULL.md
// §4.14. It is keyed by (keyspace, query text) and stores the backend's raw
// RESULT frame body; on a hit, the proxy replays those bytes with the
// requesting stream's id substituted, skipping the backend round-trip.
//
// Grounded on _examples/mevdschee-tqdbproxy/cache/cache.go's
// `inflight sync.Map` single-flight pattern wrapping
// github.com/mevdschee/tqmemory's sharded cache — the same dependency the
// teacher wires for query-result caching, repurposed here since it cannot
// serve the prepared-statement cache (preparedcache/ needs never-expire +
// collision-replace semantics tqmemory doesn't model; see DESIGN.md).
package resultcache

import (
	"sync"
	"time"

	"github.com/mevdschee/tqmemory/pkg/tqmemory"
)

// Config mirrors the teacher's CacheConfig shape.
type Config struct {
	Enabled     bool
	TTL         time.Duration
	MaxEntries  int64 // translated into tqmemory's MaxMemory as a rough budget
	Workers     int
}

// DefaultConfig returns a disabled cache; the result cache is opt-in
// (SPEC_FULL.md §3 Config: "ResultCacheEnabled bool").
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		TTL:        5 * time.Second,
		MaxEntries: 10000,
		Workers:    4,
	}
}

// flight represents an in-flight cache population, for cold-cache
// single-flight de-duplication of concurrent identical misses.
type flight struct {
	done  chan struct{}
	value []byte
}

// Cache is a result cache instance. A nil *Cache, like the disabled Cache
// New returns when cfg.Enabled is false, is valid and treats every lookup
// as a permanent miss, so callers don't need to branch on whether caching
// is on.
type Cache struct {
	enabled  bool
	store    *tqmemory.ShardedCache
	inflight sync.Map
	ttl      time.Duration
}

// New constructs a Cache per cfg. When cfg.Enabled is false, the returned
// Cache is a harmless no-op.
func New(cfg Config) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false}, nil
	}
	tqcfg := tqmemory.DefaultConfig()
	tqcfg.MaxMemory = cfg.MaxEntries * 1024 // rough per-entry budget, bytes
	store, err := tqmemory.NewSharded(tqcfg, cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Cache{enabled: true, store: store, ttl: cfg.TTL}, nil
}

// key combines keyspace and query text into the cache key.
func key(keyspace, query string) string {
	return keyspace + "\x00" + query
}

// Get returns the cached raw RESULT frame body for (keyspace, query), or
// ok=false on a disabled cache or a miss. An entry the store flags as stale
// is still returned with ok=true.
func (c *Cache) Get(keyspace, query string) (body []byte, ok bool) {
	if c == nil || !c.enabled {
		return nil, false
	}
	val, _, flags, err := c.store.Get(key(keyspace, query))
	if err != nil || val == nil {
		return nil, false
	}
	if flags == 1 { // stale, already refreshing elsewhere: still servable
		return val, true
	}
	return val, true
}

// GetOrWait implements the cold-cache single-flight pattern: if another
// goroutine is already fetching the same key, this call waits for it
// instead of issuing a redundant backend round-trip. waited reports whether
// this call actually waited; if !ok && !waited, the caller must fetch from
// the backend and call SetAndNotify or CancelInflight.
func (c *Cache) GetOrWait(keyspace, query string) (body []byte, ok, waited bool) {
	if c == nil || !c.enabled {
		return nil, false, false
	}
	if v, ok := c.Get(keyspace, query); ok {
		return v, true, false
	}
	k := key(keyspace, query)
	f := &flight{done: make(chan struct{})}
	if existing, loaded := c.inflight.LoadOrStore(k, f); loaded {
		ef := existing.(*flight)
		<-ef.done
		return ef.value, ef.value != nil, true
	}
	return nil, false, false
}

// SetAndNotify stores body under (keyspace, query) and releases any
// goroutines blocked in GetOrWait on the same key.
func (c *Cache) SetAndNotify(keyspace, query string, body []byte) {
	if c == nil || !c.enabled {
		return
	}
	k := key(keyspace, query)
	c.store.Set(k, body, c.ttl)
	if f, ok := c.inflight.LoadAndDelete(k); ok {
		fl := f.(*flight)
		fl.value = body
		close(fl.done)
	}
}

// CancelInflight releases waiters without caching anything, for when the
// backend fetch itself failed.
func (c *Cache) CancelInflight(keyspace, query string) {
	if c == nil || !c.enabled {
		return
	}
	if f, ok := c.inflight.LoadAndDelete(key(keyspace, query)); ok {
		close(f.(*flight).done)
	}
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	if c == nil || !c.enabled {
		return nil
	}
	return c.store.Close()
}
