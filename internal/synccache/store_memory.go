package synccache

import (
	"context"
	"sync"
	"time"
)

// Entry is a stored payload with its write timestamp.
type Entry struct {
	Key       string
	Scopes    []string
	Payload   []byte
	Timestamp time.Time
}

// Store persists cache entries. Put must keep the entry with the newest
// timestamp when two writers race on the same key.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry, ttl time.Duration) error
	InvalidateScope(ctx context.Context, scope string) (int, error)
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]Entry
	scopes map[string]map[string]struct{}
	now    func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]Entry),
		scopes: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()
	return entry, ok, nil
}

// Put stores entry unless a newer one is already present. ttl is ignored; freshness is
// judged by the cache on read.
func (s *MemoryStore) Put(_ context.Context, entry Entry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.items[entry.Key]; ok && current.Timestamp.After(entry.Timestamp) {
		return nil
	}
	s.items[entry.Key] = entry
	for _, scope := range entry.Scopes {
		keys, ok := s.scopes[scope]
		if !ok {
			keys = make(map[string]struct{})
			s.scopes[scope] = keys
		}
		keys[entry.Key] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) InvalidateScope(_ context.Context, scope string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.scopes[scope]
	removed := 0
	for key := range keys {
		if _, ok := s.items[key]; ok {
			delete(s.items, key)
			removed++
		}
	}
	delete(s.scopes, scope)
	return removed, nil
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Sweep drops entries older than ttl.
func (s *MemoryStore) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.items {
		if entry.Timestamp.Before(cutoff) {
			delete(s.items, key)
			for _, scope := range entry.Scopes {
				delete(s.scopes[scope], key)
			}
			removed++
		}
	}
	return removed
}
