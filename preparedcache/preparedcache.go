// Package preparedcache implements the md5(query)->parsed-statement-template
// cache described in SPEC_FULL.md §4.5: lookups are exact 16-byte key
// matches, and a hash collision (vanishingly unlikely, but the original
// implementation is explicit about the policy) replaces the earlier entry.
// Entries are never evicted or expired otherwise.
//
// Grounded on original_source/src/proxy.c's prepared_cache/find_prepared/
// add_prepared (a uthash table in C). Unlike the distilled spec's single
// event-loop thread, this Go implementation runs one goroutine per client
// connection, so the cache is guarded by a sync.RWMutex from the start —
// the straightforward generalization the distilled spec invites.
package preparedcache

import (
	"crypto/md5"
	"sync"

	"github.com/mevdschee/cqlproxy/parser"
)

// ID is the 16-byte prepared-statement identifier: the md5 digest of the
// statement text.
type ID [16]byte

// Entry is one cached prepared statement.
type Entry struct {
	ID    ID
	Query string
	Stmt  parser.Statement
}

// Cache is a concurrency-safe prepared-statement cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[ID]*Entry
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[ID]*Entry)}
}

// Insert computes the md5 of query, stores (or replaces, on collision) the
// entry, and returns it.
func (c *Cache) Insert(query string, stmt parser.Statement) *Entry {
	id := ID(md5.Sum([]byte(query)))
	e := &Entry{ID: id, Query: query, Stmt: stmt}
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
	return e
}

// Lookup returns the entry with the exact 16-byte id, or nil on miss.
// An idBytes of any length other than 16 is always a miss, so the caller
// forwards such an EXECUTE verbatim (SPEC_FULL.md §4.5:
// "EXECUTE with an id whose length != 16 is always forwarded").
func (c *Cache) Lookup(idBytes []byte) *Entry {
	if len(idBytes) != 16 {
		return nil
	}
	var id ID
	copy(id[:], idBytes)
	c.mu.RLock()
	e := c.entries[id]
	c.mu.RUnlock()
	return e
}

// Len reports the current number of cached entries, for the
// cqlproxy_prepared_cache_size metric.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
