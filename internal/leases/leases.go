// Package leases provides named, expiring single-holder leases used to keep
// periodic singletons (the chain monitor loop) from running on more than one
// replica at a time.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotHolder    = errors.New("leases: not holder")
)

// Lease is a named ownership record. Epoch increases every time the lease
// changes hands and can be logged as a fencing token.
type Lease struct {
	Name      string
	Holder    string
	Epoch     int64
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease API.
//
// Acquire succeeds when the lease is absent or expired. Renew succeeds only
// for the current holder. Release is a no-op when the lease is absent.
type Store interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, name, holder string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func Validate(name, holder string, ttl time.Duration) error {
	if name == "" || holder == "" {
		return fmt.Errorf("%w: name and holder must be non-empty", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
