package idempotency

import (
	"context"
	"sync"
	"time"
)

// stubStore is a minimal in-package Store used by unit tests for arbitration
// and policy logic. Backend behavior proper is covered by store/storetest.
type stubStore struct {
	mu     sync.Mutex
	data   map[string]*CachedResponse
	getErr error
	putErr error
}

func newStubStore() *stubStore {
	return &stubStore{data: make(map[string]*CachedResponse)}
}

func (s *stubStore) Get(_ context.Context, key string) (*CachedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	resp, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp, nil
}

func (s *stubStore) Put(_ context.Context, key string, response *CachedResponse, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = response
	return nil
}

// stubConditionalStore adds conditional writes on top of stubStore.
type stubConditionalStore struct {
	*stubStore
	claimErr error
}

func newStubConditionalStore() *stubConditionalStore {
	return &stubConditionalStore{stubStore: newStubStore()}
}

func (s *stubConditionalStore) PutIfAbsent(_ context.Context, key string, response *CachedResponse, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	if _, ok := s.data[key]; ok {
		return false, nil
	}
	s.data[key] = response
	return true, nil
}

func (s *stubConditionalStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
