// Package memory provides an in-memory key/value backend for the unit of
// work. It implements full transaction semantics (snapshot isolation,
// savepoints, commit/rollback visibility) without a database, which also
// makes it the reference backend for tests.
package memory

import (
	"sync"
)

// Store is an in-memory key/value store. Reads through Get see committed
// data only; writes go through a transaction client obtained from the unit
// of work.
//
// Transactions read from a snapshot taken at begin and merge their touched
// keys back at commit, so concurrent root transactions never block each
// other. Concurrent commits touching the same key resolve last writer wins.
type Store struct {
	mu     sync.Mutex
	data   map[string]string
	closed bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

// Get returns the committed value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Len returns the number of committed keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Keys returns all committed keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Close marks the store unusable. In-flight transactions fail with
// AbortedError on their next physical operation.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// snapshot returns a copy of the committed data. Caller holds no lock.
func (s *Store) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.data)
}

// apply merges one transaction's touched keys into the committed data
// (commit path). Keys absent from working were deleted.
func (s *Store) apply(working map[string]string, dirty map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range dirty {
		if v, ok := working[key]; ok {
			s.data[key] = v
		} else {
			delete(s.data, key)
		}
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
