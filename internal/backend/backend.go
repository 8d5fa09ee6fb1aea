// Package backend opens the relational stores every binary shares. The
// postgres driver is the deployment target; memory keeps a single process
// self-contained for local runs and tests.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/provenance-labs/proofpipe/internal/challenge"
	chpg "github.com/provenance-labs/proofpipe/internal/challenge/postgres"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	jqpg "github.com/provenance-labs/proofpipe/internal/jobqueue/postgres"
	"github.com/provenance-labs/proofpipe/internal/leases"
	lspg "github.com/provenance-labs/proofpipe/internal/leases/postgres"
	"github.com/provenance-labs/proofpipe/internal/submission"
	subpg "github.com/provenance-labs/proofpipe/internal/submission/postgres"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var ErrInvalidConfig = errors.New("backend: invalid config")

type Config struct {
	Driver      string
	PostgresDSN string
	// MaxConns caps the pgx pool. Zero keeps the pgxpool default.
	MaxConns int32
	// Shared rejects drivers whose state other processes cannot see. Worker
	// binaries set it; they only make progress against a store the intake
	// and the other workers also use.
	Shared bool
}

type Backend struct {
	Queue       jobqueue.Queue
	Challenges  challenge.Store
	Submissions submission.Store
	Leases      leases.Store

	pool *pgxpool.Pool
}

func Open(ctx context.Context, cfg Config) (*Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverPostgres, "":
		return openPostgres(ctx, cfg)
	case DriverMemory:
		if cfg.Shared {
			return nil, fmt.Errorf("%w: the memory driver is process-local; use postgres", ErrInvalidConfig)
		}
		return openMemory()
	default:
		return nil, fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func openMemory() (*Backend, error) {
	challenges := challenge.NewMemoryStore(time.Now)
	subs, err := submission.NewMemoryStore(challenges, time.Now)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Queue:       jobqueue.NewMemoryQueue(time.Now),
		Challenges:  challenges,
		Submissions: subs,
		Leases:      leases.NewMemoryStore(time.Now),
	}, nil
}

type schemaStore interface {
	EnsureSchema(ctx context.Context) error
}

func openPostgres(ctx context.Context, cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidConfig)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("backend: init pgx pool: %w", err)
	}

	b, err := newPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func newPostgres(ctx context.Context, pool *pgxpool.Pool) (*Backend, error) {
	challenges, err := chpg.New(pool)
	if err != nil {
		return nil, err
	}
	subs, err := subpg.New(pool)
	if err != nil {
		return nil, err
	}
	queue, err := jqpg.New(pool)
	if err != nil {
		return nil, err
	}
	leaseStore, err := lspg.New(pool)
	if err != nil {
		return nil, err
	}
	// Submissions reference challenges and chains, so order matters.
	for _, s := range []schemaStore{challenges, subs, queue, leaseStore} {
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return &Backend{
		Queue:       queue,
		Challenges:  challenges,
		Submissions: subs,
		Leases:      leaseStore,
		pool:        pool,
	}, nil
}

func (b *Backend) Close() {
	if b != nil && b.pool != nil {
		b.pool.Close()
	}
}
