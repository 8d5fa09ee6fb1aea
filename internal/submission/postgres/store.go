package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/provenance-labs/proofpipe/internal/chain"
	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/submission"
)

var ErrInvalidConfig = errors.New("submission/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ submission.Store = (*Store)(nil)

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
		return fmt.Errorf("submission/postgres: ensure schema: %w", err)
	}
	return nil
}

const submissionColumns = `
	id, sha256, wallet_address, challenge_id, chain_id, chain_position, storage_key,
	public_key, signature,
	status, proof_artifact, failure_reason, retry_count,
	transaction_hash, contract_address, submitted_height, chain_status,
	created_at, updated_at
`

func (s *Store) Create(ctx context.Context, in submission.NewSubmission) (submission.Submission, error) {
	if s == nil || s.pool == nil {
		return submission.Submission{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	in, err := in.Normalize()
	if err != nil {
		return submission.Submission{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The row lock on the chain serializes concurrent creates, so the new
	// length is the position.
	var challengeID, position int64
	err = tx.QueryRow(ctx, `
		UPDATE chains SET length = length + 1
		WHERE id = $1
		RETURNING challenge_id, length
	`, in.ChainID).Scan(&challengeID, &position)
	if errors.Is(err, pgx.ErrNoRows) {
		return submission.Submission{}, fmt.Errorf("submission: enroll chain %d: %w", in.ChainID, challenge.ErrNotFound)
	}
	if err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: bump chain length: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE challenges SET participant_count = participant_count + 1, updated_at = now()
		WHERE id = $1
	`, challengeID); err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: bump participant count: %w", err)
	}

	sub, err := scanSubmission(tx.QueryRow(ctx, `
		INSERT INTO submissions (sha256, wallet_address, challenge_id, chain_id, chain_position, storage_key, public_key, signature, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+submissionColumns,
		in.SHA256, in.WalletAddress, challengeID, in.ChainID, position, in.StorageKey, in.PublicKey, in.Signature, string(submission.StatusUploading),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "sha256") {
			return submission.Submission{}, fmt.Errorf("%w: %s", submission.ErrDuplicate, in.SHA256)
		}
		return submission.Submission{}, fmt.Errorf("submission/postgres: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: commit: %w", err)
	}
	return sub, nil
}

func (s *Store) Get(ctx context.Context, sha256 string) (submission.Submission, error) {
	if s == nil || s.pool == nil {
		return submission.Submission{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	key, err := submission.NormalizeSHA256(sha256)
	if err != nil {
		return submission.Submission{}, err
	}
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE sha256 = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return submission.Submission{}, submission.ErrNotFound
	}
	if err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: get: %w", err)
	}
	return sub, nil
}

func (s *Store) ListByChain(ctx context.Context, chainID int64) ([]submission.Submission, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE chain_id = $1 ORDER BY chain_position
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("submission/postgres: list by chain: %w", err)
	}
	defer rows.Close()

	var out []submission.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("submission/postgres: list by chain: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("submission/postgres: list by chain: %w", err)
	}
	return out, nil
}

func (s *Store) Transition(ctx context.Context, sha256 string, to submission.Status, retryCount int) (submission.Submission, error) {
	return s.update(ctx, sha256, func(sub *submission.Submission) error { return sub.Transition(to, retryCount) })
}

func (s *Store) StoreArtifact(ctx context.Context, sha256 string, artifact []byte) (submission.Submission, error) {
	return s.update(ctx, sha256, func(sub *submission.Submission) error { return sub.AttachArtifact(artifact) })
}

func (s *Store) Complete(ctx context.Context, sha256 string, p submission.Publication) (submission.Submission, error) {
	return s.update(ctx, sha256, func(sub *submission.Submission) error { return sub.Complete(p) })
}

func (s *Store) Fail(ctx context.Context, sha256 string, to submission.Status, reason string) (submission.Submission, error) {
	return s.update(ctx, sha256, func(sub *submission.Submission) error { return sub.Fail(to, reason) })
}

func (s *Store) ListTracked(ctx context.Context, minHeight int64) ([]chain.TxRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sha256, transaction_hash, COALESCE(contract_address, ''), submitted_height
		FROM submissions
		WHERE transaction_hash IS NOT NULL AND submitted_height >= $1
		ORDER BY transaction_hash
	`, minHeight)
	if err != nil {
		return nil, fmt.Errorf("submission/postgres: list tracked: %w", err)
	}
	defer rows.Close()

	var out []chain.TxRecord
	for rows.Next() {
		rec := chain.TxRecord{Kind: chain.KindSubmission}
		if err := rows.Scan(&rec.Ref, &rec.Hash, &rec.Address, &rec.SubmittedHeight); err != nil {
			return nil, fmt.Errorf("submission/postgres: list tracked: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("submission/postgres: list tracked: %w", err)
	}
	return out, nil
}

func (s *Store) RecordChainStatus(ctx context.Context, txHash string, status chain.TxStatus) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" || !status.Valid() {
		return false, fmt.Errorf("%w: tx hash and valid status required", submission.ErrInvalidInput)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET chain_status = $2, updated_at = now()
		WHERE transaction_hash = $1
			AND chain_status IS DISTINCT FROM $2
			AND chain_status IS DISTINCT FROM 'final'
	`, txHash, string(status))
	if err != nil {
		return false, fmt.Errorf("submission/postgres: record chain status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE transaction_hash = $1)`, txHash).Scan(&exists); err != nil {
		return false, fmt.Errorf("submission/postgres: record chain status: %w", err)
	}
	if !exists {
		return false, submission.ErrNotFound
	}
	return false, nil
}

func (s *Store) update(ctx context.Context, sha256 string, fn func(*submission.Submission) error) (submission.Submission, error) {
	if s == nil || s.pool == nil {
		return submission.Submission{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	key, err := submission.NormalizeSHA256(sha256)
	if err != nil {
		return submission.Submission{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sub, err := scanSubmission(tx.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE sha256 = $1 FOR UPDATE`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return submission.Submission{}, submission.ErrNotFound
	}
	if err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: lock submission: %w", err)
	}
	if err := fn(&sub); err != nil {
		return submission.Submission{}, err
	}

	out, err := scanSubmission(tx.QueryRow(ctx, `
		UPDATE submissions
		SET status = $2,
			proof_artifact = $3,
			failure_reason = $4,
			retry_count = $5,
			transaction_hash = $6,
			contract_address = $7,
			submitted_height = $8,
			chain_status = $9,
			updated_at = now()
		WHERE sha256 = $1
		RETURNING `+submissionColumns,
		key,
		string(sub.Status),
		sub.ProofArtifact,
		nullIfEmpty(sub.FailureReason),
		sub.RetryCount,
		nullIfEmpty(sub.TransactionHash),
		nullIfEmpty(sub.ContractAddress),
		heightOrNull(sub),
		nullIfEmpty(string(sub.ChainStatus)),
	))
	if err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: update submission: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return submission.Submission{}, fmt.Errorf("submission/postgres: commit: %w", err)
	}
	return out, nil
}

func scanSubmission(row pgx.Row) (submission.Submission, error) {
	var (
		sub         submission.Submission
		status      string
		reason      *string
		txHash      *string
		address     *string
		height      *int64
		chainStatus *string
	)
	if err := row.Scan(
		&sub.ID, &sub.SHA256, &sub.WalletAddress, &sub.ChallengeID, &sub.ChainID, &sub.ChainPosition, &sub.StorageKey,
		&sub.PublicKey, &sub.Signature,
		&status, &sub.ProofArtifact, &reason, &sub.RetryCount,
		&txHash, &address, &height, &chainStatus,
		&sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return submission.Submission{}, err
	}
	st, err := submission.ParseStatus(status)
	if err != nil {
		return submission.Submission{}, err
	}
	sub.Status = st
	if reason != nil {
		sub.FailureReason = *reason
	}
	if txHash != nil {
		sub.TransactionHash = *txHash
	}
	if address != nil {
		sub.ContractAddress = *address
	}
	if height != nil {
		sub.SubmittedHeight = *height
	}
	if chainStatus != nil {
		cs, err := chain.ParseTxStatus(*chainStatus)
		if err != nil {
			return submission.Submission{}, err
		}
		sub.ChainStatus = cs
	}
	return sub, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func heightOrNull(sub submission.Submission) *int64 {
	if sub.TransactionHash == "" {
		return nil
	}
	h := sub.SubmittedHeight
	return &h
}
