// Package store implements the concurrent keyspace: a value map, an expiry
// map, and a read-only config map, with lazy TTL expiration on read.
package store

import (
	"sync"
	"time"
)

// Store is the keyspace. The value map, expiry map, and config map are
// coarsened under a single mutex — spec.md §4.D explicitly allows this
// simplification, and it is what makes the two-step expiry check in Get
// atomic against concurrent Set calls.
type Store struct {
	mu       sync.Mutex
	values   map[string]string
	expiries map[string]time.Time
	config   map[string]string
}

// New returns an empty keyspace.
func New() *Store {
	return &Store{
		values:   make(map[string]string),
		expiries: make(map[string]time.Time),
		config:   make(map[string]string),
	}
}

// Get reads a key, lazily expiring it first if its TTL has passed. An entry
// in the expiry map with no corresponding value is stale and is dropped
// too, though the invariant (every expiry has a value) means this should
// only ever be reached defensively.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAt, ok := s.expiries[key]; ok && time.Now().After(expiresAt) {
		delete(s.values, key)
		delete(s.expiries, key)
	}

	value, ok := s.values[key]
	if !ok {
		delete(s.expiries, key)
	}
	return value, ok
}

// Set inserts or overwrites a value. When expiresAt is nil, any expiry
// already attached to the key is left untouched — this is a deliberate
// divergence from the reference server, preserved per spec.md §9.
func (s *Store) Set(key, value string, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	if expiresAt != nil {
		s.expiries[key] = *expiresAt
	}
}

// Keys returns a snapshot of every key currently stored. Entries that have
// expired but not yet been touched by Get may still appear; spec.md §4.D
// tolerates this since there is no background sweeper.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// ConfigGet reads a startup-time configuration parameter.
func (s *Store) ConfigGet(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.config[name]
	return value, ok
}

// SetConfig populates a configuration parameter. Called only during
// startup (CLI wiring), never by client traffic — the config map is
// read-only once the server is serving, per spec.md §3.
func (s *Store) SetConfig(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config[name] = value
}

// LoadSnapshot bulk-loads values and expiries decoded from an RDB dump
// before the listener opens. Expired entries must already have been
// filtered out by the caller (internal/rdb omits them at decode time).
func (s *Store) LoadSnapshot(values map[string]string, expiries map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		s.values[k] = v
	}
	for k, exp := range expiries {
		s.expiries[k] = exp
	}
}
