package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/provenance-labs/proofpipe/internal/chain"
	"github.com/provenance-labs/proofpipe/internal/challenge"
)

var ErrInvalidConfig = errors.New("challenge/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ challenge.Store = (*Store)(nil)

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
		return fmt.Errorf("challenge/postgres: ensure schema: %w", err)
	}
	return nil
}

const challengeColumns = `
	id, title, start_time, end_time, participant_count,
	deployment_status, contract_address, deployment_tx_hash, deployment_height,
	deployment_failure_reason, deployment_retry_count, created_at, updated_at
`

func (s *Store) CreateChallenge(ctx context.Context, in challenge.NewChallenge) (challenge.Challenge, error) {
	if s == nil || s.pool == nil {
		return challenge.Challenge{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := in.Validate(); err != nil {
		return challenge.Challenge{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO challenges (title, start_time, end_time)
		VALUES ($1, $2, $3)
		RETURNING `+challengeColumns,
		strings.TrimSpace(in.Title), in.StartTime.UTC(), in.EndTime.UTC(),
	)
	c, err := scanChallenge(row)
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("challenge/postgres: create challenge: %w", err)
	}
	return c, nil
}

func (s *Store) CreateChain(ctx context.Context, challengeID int64, name string) (challenge.Chain, error) {
	if s == nil || s.pool == nil {
		return challenge.Chain{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return challenge.Chain{}, fmt.Errorf("%w: missing chain name", challenge.ErrInvalidInput)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM challenges WHERE id = $1)`, challengeID).Scan(&exists); err != nil {
		return challenge.Chain{}, fmt.Errorf("challenge/postgres: create chain: %w", err)
	}
	if !exists {
		return challenge.Chain{}, challenge.ErrNotFound
	}

	c := challenge.Chain{ChallengeID: challengeID, Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chains (challenge_id, name) VALUES ($1, $2)
		RETURNING id, length, created_at
	`, challengeID, name).Scan(&c.ID, &c.Length, &c.CreatedAt)
	if err != nil {
		return challenge.Chain{}, fmt.Errorf("challenge/postgres: create chain: %w", err)
	}
	return c, nil
}

func (s *Store) GetChallenge(ctx context.Context, id int64) (challenge.Challenge, error) {
	if s == nil || s.pool == nil {
		return challenge.Challenge{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	c, err := scanChallenge(s.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return challenge.Challenge{}, challenge.ErrNotFound
	}
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("challenge/postgres: get challenge: %w", err)
	}
	return c, nil
}

func (s *Store) GetChain(ctx context.Context, id int64) (challenge.Chain, error) {
	if s == nil || s.pool == nil {
		return challenge.Chain{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	c := challenge.Chain{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT challenge_id, name, length, created_at FROM chains WHERE id = $1
	`, id).Scan(&c.ChallengeID, &c.Name, &c.Length, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return challenge.Chain{}, challenge.ErrNotFound
	}
	if err != nil {
		return challenge.Chain{}, fmt.Errorf("challenge/postgres: get chain: %w", err)
	}
	return c, nil
}

func (s *Store) MarkDeploying(ctx context.Context, id int64, retryCount int) (challenge.Challenge, error) {
	return s.update(ctx, id, func(c *challenge.Challenge) error { return c.StartDeploying(retryCount) })
}

func (s *Store) RecordDeploymentFailure(ctx context.Context, id int64, reason string) (challenge.Challenge, error) {
	return s.update(ctx, id, func(c *challenge.Challenge) error { return c.NoteFailure(reason) })
}

func (s *Store) MarkActive(ctx context.Context, id int64, d challenge.Deployment) (challenge.Challenge, error) {
	return s.update(ctx, id, func(c *challenge.Challenge) error { return c.Activate(d) })
}

func (s *Store) MarkDeploymentFailed(ctx context.Context, id int64, reason string) (challenge.Challenge, error) {
	return s.update(ctx, id, func(c *challenge.Challenge) error { return c.FailDeployment(reason) })
}

func (s *Store) ResetDeployment(ctx context.Context, id int64) (challenge.Challenge, error) {
	return s.update(ctx, id, func(c *challenge.Challenge) error { return c.Reset() })
}

func (s *Store) ListDeployed(ctx context.Context, minHeight int64) ([]chain.TxRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE deployment_status = 'active' AND deployment_height >= $1
		ORDER BY id
	`, minHeight)
	if err != nil {
		return nil, fmt.Errorf("challenge/postgres: list deployed: %w", err)
	}
	defer rows.Close()

	var out []chain.TxRecord
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("challenge/postgres: list deployed: %w", err)
		}
		out = append(out, challenge.DeploymentRecord(c))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("challenge/postgres: list deployed: %w", err)
	}
	return out, nil
}

// update applies fn to the locked row so the transition check and the write
// see the same state.
func (s *Store) update(ctx context.Context, id int64, fn func(*challenge.Challenge) error) (challenge.Challenge, error) {
	if s == nil || s.pool == nil {
		return challenge.Challenge{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("challenge/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanChallenge(tx.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return challenge.Challenge{}, challenge.ErrNotFound
	}
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("challenge/postgres: lock challenge: %w", err)
	}
	if err := fn(&c); err != nil {
		return challenge.Challenge{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE challenges
		SET deployment_status = $2,
			contract_address = $3,
			deployment_tx_hash = $4,
			deployment_height = $5,
			deployment_failure_reason = $6,
			deployment_retry_count = $7,
			updated_at = now()
		WHERE id = $1
		RETURNING `+challengeColumns,
		id,
		string(c.DeploymentStatus),
		nullIfEmpty(c.ContractAddress),
		nullIfEmpty(c.DeploymentTxHash),
		nullIfZero(c.DeploymentHeight, c.DeploymentTxHash != ""),
		nullIfEmpty(c.DeploymentFailureReason),
		c.DeploymentRetryCount,
	)
	out, err := scanChallenge(row)
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("challenge/postgres: update challenge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return challenge.Challenge{}, fmt.Errorf("challenge/postgres: commit: %w", err)
	}
	return out, nil
}

func scanChallenge(row pgx.Row) (challenge.Challenge, error) {
	var (
		c      challenge.Challenge
		status string
		addr   *string
		txHash *string
		height *int64
		reason *string
	)
	if err := row.Scan(
		&c.ID, &c.Title, &c.StartTime, &c.EndTime, &c.ParticipantCount,
		&status, &addr, &txHash, &height,
		&reason, &c.DeploymentRetryCount, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return challenge.Challenge{}, err
	}
	c.DeploymentStatus = challenge.DeploymentStatus(status)
	if !c.DeploymentStatus.Valid() {
		return challenge.Challenge{}, fmt.Errorf("challenge/postgres: unknown deployment status %q", status)
	}
	if addr != nil {
		c.ContractAddress = *addr
	}
	if txHash != nil {
		c.DeploymentTxHash = *txHash
	}
	if height != nil {
		c.DeploymentHeight = *height
	}
	if reason != nil {
		c.DeploymentFailureReason = *reason
	}
	return c, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(v int64, set bool) *int64 {
	if !set {
		return nil
	}
	return &v
}
