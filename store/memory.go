// Package store provides backend adapters for the idempotency response
// cache: a bounded in-process map, a redis client, and a postgres table.
// All of them implement idempotency.ConditionalStore.
package store

import (
	"container/list"
	"context"
	"sync"
	"time"

	idempotency "github.com/firefly-oss/lib-common-web-sub000"
)

const (
	// DefaultMaxEntries bounds the in-memory store when no explicit limit
	// is configured.
	DefaultMaxEntries = 10_000
	// DefaultCleanupInterval is how often the janitor sweeps expired
	// entries.
	DefaultCleanupInterval = time.Minute
)

// MemoryStore is a process-local, bounded implementation of
// idempotency.ConditionalStore. Entries expire by TTL; when the store is
// full, the least recently used entry is evicted. Safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int

	done      chan struct{}
	closeOnce sync.Once
}

type memoryEntry struct {
	key       string
	response  *idempotency.CachedResponse
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxEntries bounds the number of live entries. Values below 1 fall
// back to DefaultMaxEntries.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// NewMemoryStore creates a bounded in-memory store and starts its janitor.
// Call Close when the store is no longer needed.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: DefaultMaxEntries,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanup(DefaultCleanupInterval)

	return s
}

// Get retrieves a cached response. Expired entries are removed lazily.
func (s *MemoryStore) Get(_ context.Context, key string) (*idempotency.CachedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	entry := elem.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		s.remove(elem)
		return nil, idempotency.ErrNotFound
	}
	s.order.MoveToFront(elem)
	return entry.response, nil
}

// Put stores a response with TTL, overwriting any existing entry.
func (s *MemoryStore) Put(_ context.Context, key string, response *idempotency.CachedResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(key, response, ttl)
	return nil
}

// PutIfAbsent stores a response only when no live entry exists for key.
func (s *MemoryStore) PutIfAbsent(_ context.Context, key string, response *idempotency.CachedResponse, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		if time.Now().Before(entry.expiresAt) {
			return false, nil
		}
		s.remove(elem)
	}
	s.insert(key, response, ttl)
	return true, nil
}

// Delete removes the entry for key, if any.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.entries[key]; ok {
		s.remove(elem)
	}
	return nil
}

// Len reports the number of entries currently held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor goroutine. The store remains usable afterwards;
// expired entries are then only removed lazily on access.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// insert assumes s.mu is held.
func (s *MemoryStore) insert(key string, response *idempotency.CachedResponse, ttl time.Duration) {
	expiresAt := time.Now().Add(ttl)
	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.response = response
		entry.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return
	}
	elem := s.order.PushFront(&memoryEntry{key: key, response: response, expiresAt: expiresAt})
	s.entries[key] = elem

	for len(s.entries) > s.maxEntries {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.remove(oldest)
	}
}

// remove assumes s.mu is held.
func (s *MemoryStore) remove(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	s.order.Remove(elem)
	delete(s.entries, entry.key)
}

// cleanup periodically removes expired entries until Close is called.
func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for elem := s.order.Back(); elem != nil; {
				prev := elem.Prev()
				if now.After(elem.Value.(*memoryEntry).expiresAt) {
					s.remove(elem)
				}
				elem = prev
			}
			s.mu.Unlock()
		}
	}
}
