// Package hints keeps the addresses at which a pattern matched before, keyed by the
// pattern's content hash.
//
// Entries are append-only and never evicted. A hint is a candidate, not a fact:
// callers must re-verify the bytes at a hinted address before trusting it.
package hints

import (
	"slices"
	"sync"
)

// Cache is a multimap from pattern content hash to previously confirmed addresses.
type Cache interface {
	// Lookup returns every address recorded for hash, in insertion order.
	Lookup(hash uint64) []uint64
	// Insert records addr for hash. Recording the same pair twice is a no-op.
	Insert(hash uint64, addr uint64)
}

// Store is a Cache safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[uint64][]uint64
}

var defaultStore = NewStore()

// Default returns the process-wide store. It lives until the process exits.
func Default() *Store {
	return defaultStore
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[uint64][]uint64),
	}
}

// Lookup implements Cache.
func (s *Store) Lookup(hash uint64) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.entries[hash])
}

// Insert implements Cache.
func (s *Store) Insert(hash uint64, addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.entries[hash], addr) {
		return
	}
	s.entries[hash] = append(s.entries[hash], addr)
}

// Len returns the number of recorded (hash, address) pairs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, addrs := range s.entries {
		n += len(addrs)
	}
	return n
}
