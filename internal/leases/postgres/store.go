package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/provenance-labs/proofpipe/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store is a leases.Store backed by a single row per lease name. Expiry is
// judged against the database clock so replicas with skewed clocks agree.
type Store struct {
	pool *pgxpool.Pool
}

var _ leases.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leases.Validate(name, holder, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO leases (name, holder, epoch, expires_at)
		VALUES ($1, $2, 1, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
			epoch = leases.epoch + 1,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE leases.holder IS NULL OR leases.expires_at <= now()
		RETURNING holder, epoch, expires_at
	`, name, holder, millis(ttl)).Scan(&l.Holder, &l.Epoch, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire: %w", err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, holder string, ttl time.Duration) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leases.Validate(name, holder, ttl); err != nil {
		return leases.Lease{}, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		UPDATE leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND holder = $2
		RETURNING holder, epoch, expires_at
	`, name, holder, millis(ttl)).Scan(&l.Holder, &l.Epoch, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, name); gerr != nil {
			return leases.Lease{}, gerr
		}
		return leases.Lease{}, leases.ErrNotHolder
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: renew: %w", err)
	}
	return l, nil
}

func (s *Store) Release(ctx context.Context, name, holder string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || holder == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE leases
		SET holder = NULL, expires_at = now(), updated_at = now()
		WHERE name = $1 AND holder = $2
	`, name, holder)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, gerr := s.Get(ctx, name)
	if errors.Is(gerr, leases.ErrNotFound) {
		return nil
	}
	if gerr != nil {
		return gerr
	}
	if cur.Holder != holder {
		return leases.ErrNotHolder
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	var (
		holder *string
		l      = leases.Lease{Name: name}
	)
	err := s.pool.QueryRow(ctx, `SELECT holder, epoch, expires_at FROM leases WHERE name = $1`, name).
		Scan(&holder, &l.Epoch, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	if holder == nil {
		return leases.Lease{}, leases.ErrNotFound
	}
	l.Holder = *holder
	return l, nil
}

func millis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
