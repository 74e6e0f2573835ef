package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process GuardStore used by tests and single-node
// deployments. All operations hold one mutex, so Consume is atomic by
// construction.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time
	m   map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, m: make(map[string]memoryEntry)}
}

// NewMemoryStoreAt pins the clock, for expiry tests.
func NewMemoryStoreAt(now func() time.Time) *MemoryStore {
	return &MemoryStore{now: now, m: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	if e, ok := s.m[key]; ok && now.Before(e.expiresAt) {
		return ErrReplayRejected
	}
	s.m[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Consume(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || !s.now().Before(e.expiresAt) {
		delete(s.m, key)
		return nil, ErrExpired
	}
	delete(s.m, key)
	return e.value, nil
}

func (s *MemoryStore) Peek(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, ErrExpired
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, e := range s.m {
		if !now.Before(e.expiresAt) {
			delete(s.m, k)
		}
	}
}
