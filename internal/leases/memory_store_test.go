package leases

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_AcquireRenewReleaseAndTakeover(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	l, ok, err := s.Acquire(ctx, "tx-monitor", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if l.Holder != "a" || l.Epoch != 1 {
		t.Fatalf("unexpected lease: %+v", l)
	}
	if !l.ExpiresAt.Equal(now.Add(10 * time.Second)) {
		t.Fatalf("expiresAt: got %v", l.ExpiresAt)
	}

	held, ok, err := s.Acquire(ctx, "tx-monitor", "b", 10*time.Second)
	if err != nil || ok || held.Holder != "a" {
		t.Fatalf("expected lease held by a: ok=%v holder=%q err=%v", ok, held.Holder, err)
	}

	now = now.Add(5 * time.Second)
	renewed, err := s.Renew(ctx, "tx-monitor", "a", 10*time.Second)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !renewed.ExpiresAt.Equal(now.Add(10*time.Second)) || renewed.Epoch != 1 {
		t.Fatalf("unexpected renewed lease: %+v", renewed)
	}
	if _, err := s.Renew(ctx, "tx-monitor", "b", time.Second); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := s.Release(ctx, "tx-monitor", "b"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}

	if err := s.Release(ctx, "tx-monitor", "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, "tx-monitor", "a"); err != nil {
		t.Fatalf("Release #2: %v", err)
	}
	if _, err := s.Get(ctx, "tx-monitor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}

	b, ok, err := s.Acquire(ctx, "tx-monitor", "b", 10*time.Second)
	if err != nil || !ok || b.Epoch != 2 {
		t.Fatalf("Acquire after release: ok=%v lease=%+v err=%v", ok, b, err)
	}

	now = now.Add(11 * time.Second)
	c, ok, err := s.Acquire(ctx, "tx-monitor", "c", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("takeover: ok=%v err=%v", ok, err)
	}
	if c.Holder != "c" || c.Epoch != 3 {
		t.Fatalf("unexpected lease after takeover: %+v", c)
	}
}

func TestMemoryStore_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Now)
	ctx := context.Background()

	cases := []struct {
		name   string
		lease  string
		holder string
		ttl    time.Duration
	}{
		{name: "empty name", lease: "", holder: "a", ttl: time.Second},
		{name: "empty holder", lease: "x", holder: "", ttl: time.Second},
		{name: "zero ttl", lease: "x", holder: "a", ttl: 0},
	}
	for _, tc := range cases {
		if _, _, err := s.Acquire(ctx, tc.lease, tc.holder, tc.ttl); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
