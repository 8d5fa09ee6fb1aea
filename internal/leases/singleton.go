package leases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Singleton tracks whether this process currently holds a named lease.
type Singleton struct {
	store  Store
	name   string
	holder string
	ttl    time.Duration
	log    *slog.Logger

	mu   sync.Mutex
	held bool
}

func NewSingleton(store Store, name, holder string, ttl time.Duration, log *slog.Logger) (*Singleton, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := Validate(name, holder, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Singleton{store: store, name: name, holder: holder, ttl: ttl, log: log}, nil
}

// Tick renews the lease when held and otherwise tries to take it. It reports
// whether the caller may act as the singleton until the next tick.
func (s *Singleton) Tick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held {
		if _, err := s.store.Renew(ctx, s.name, s.holder, s.ttl); err == nil {
			return true, nil
		} else if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotHolder) {
			return false, err
		}
		s.held = false
		s.log.Warn("lease lost", "lease", s.name, "holder", s.holder)
	}

	l, ok, err := s.store.Acquire(ctx, s.name, s.holder, s.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		s.held = true
		s.log.Info("lease acquired", "lease", s.name, "holder", s.holder, "epoch", l.Epoch)
	}
	return ok, nil
}

// Resign gives the lease up so another replica can take over without
// waiting for expiry.
func (s *Singleton) Resign(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.held {
		return nil
	}
	s.held = false
	return s.store.Release(ctx, s.name, s.holder)
}
