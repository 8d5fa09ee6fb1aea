package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-replica runs.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Acquire(_ context.Context, name, holder string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(name, holder, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[name]
	if ok && cur.ExpiresAt.After(now) {
		return cur, false, nil
	}
	next := Lease{Name: name, Holder: holder, Epoch: cur.Epoch + 1, ExpiresAt: now.Add(ttl)}
	s.leases[name] = next
	return next, true, nil
}

func (s *MemoryStore) Renew(_ context.Context, name, holder string, ttl time.Duration) (Lease, error) {
	if err := Validate(name, holder, ttl); err != nil {
		return Lease{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok || cur.Holder == "" {
		return Lease{}, ErrNotFound
	}
	if cur.Holder != holder {
		return Lease{}, ErrNotHolder
	}
	cur.ExpiresAt = s.now().Add(ttl)
	s.leases[name] = cur
	return cur, nil
}

func (s *MemoryStore) Release(_ context.Context, name, holder string) error {
	if name == "" || holder == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok || cur.Holder == "" {
		return nil
	}
	if cur.Holder != holder {
		return ErrNotHolder
	}
	// Keep the epoch so the next holder gets a larger token.
	cur.Holder = ""
	cur.ExpiresAt = time.Time{}
	s.leases[name] = cur
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok || cur.Holder == "" {
		return Lease{}, ErrNotFound
	}
	return cur, nil
}
