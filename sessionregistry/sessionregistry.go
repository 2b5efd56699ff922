// Package sessionregistry multiplexes one logical backend session per
// distinct keyspace, lazily connected, per SPEC_FULL.md §4.6. The default
// (empty-string) session is always connected.
//
// Grounded on _examples/mevdschee-tqdbproxy/replica/pool.go's mutex-guarded
// map + logging conventions (there adapted from replica-per-backend health
// tracking to session-per-keyspace lazy connect), and
// original_source/src/proxy.c's session_cache/get_session/
// on_session_connected. Unlike the C original's one-caller-at-a-time
// resolution, this implementation generalizes to a wait-list: every client
// blocked on the same keyspace's first connect is released together when it
// resolves, per SPEC_FULL.md §4.6's explicit invitation to do so.
package sessionregistry

import (
	"context"
	"log"
	"sync"

	"github.com/mevdschee/cqlproxy/backend"
)

// Entry is one session entry: a keyspace, its connectedness, and the
// backend session handle once connected.
type Entry struct {
	Keyspace  string
	mu        sync.Mutex
	connected bool
	session   backend.Session
	waiters   []chan error
}

// Connected reports whether this entry's first connect has completed
// successfully.
func (e *Entry) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Session returns the backend session handle. Only valid once Connected()
// is true.
func (e *Entry) Session() backend.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Registry is the keyspace -> *Entry map.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	driver  backend.Driver
	cluster string
}

// New constructs a Registry with the default ("") session already connected.
func New(ctx context.Context, driver backend.Driver, cluster string) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*Entry),
		driver:  driver,
		cluster: cluster,
	}
	def := &Entry{Keyspace: ""}
	sess := driver.NewSession()
	if err := sess.Connect(ctx, cluster); err != nil {
		return nil, err
	}
	def.connected = true
	def.session = sess
	r.entries[""] = def
	return r, nil
}

// Get returns the existing entry for keyspace or creates a new,
// not-yet-connected one.
func (r *Registry) Get(keyspace string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[keyspace]; ok {
		return e
	}
	e := &Entry{Keyspace: keyspace}
	r.entries[keyspace] = e
	return e
}

// ConnectAsync initiates (or joins, if already in flight) the backend
// keyspace-scoped connect for entry, and delivers the outcome on done once
// it resolves — possibly immediately, on the calling goroutine, if another
// caller's connect is already complete. Multiple concurrent callers for the
// same not-yet-connected entry are coalesced onto a single backend connect
// attempt and are all released together when it resolves (the wait-list
// generalization SPEC_FULL.md §4.6 invites).
func (r *Registry) ConnectAsync(ctx context.Context, e *Entry, done chan<- error) {
	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		done <- nil
		return
	}
	first := len(e.waiters) == 0
	e.waiters = append(e.waiters, done)
	e.mu.Unlock()

	if !first {
		return
	}

	go func() {
		sess := r.driver.NewSession()
		err := sess.ConnectKeyspace(ctx, r.cluster, e.Keyspace)

		e.mu.Lock()
		waiters := e.waiters
		e.waiters = nil
		if err == nil {
			e.connected = true
			e.session = sess
			log.Printf("[sessionregistry] keyspace %q connected", e.Keyspace)
		} else {
			log.Printf("[sessionregistry] keyspace %q connect failed: %v", e.Keyspace, err)
		}
		e.mu.Unlock()

		for _, w := range waiters {
			w <- err
		}
	}()
}
