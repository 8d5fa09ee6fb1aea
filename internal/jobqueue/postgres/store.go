package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
)

var ErrInvalidConfig = errors.New("jobqueue/postgres: invalid config")

const uniqueViolation = "23505"

var jobColumnList = []string{
	"id",
	"queue",
	"payload",
	"state",
	"idempotency_key",
	"priority",
	"retry_count",
	"retry_limit",
	"retry_delay_ms",
	"retry_backoff",
	"expire_after_ms",
	"start_after",
	"expire_at",
	"lease_owner",
	"lease_expires_at",
	"last_error",
	"created_at",
	"started_at",
	"completed_at",
}

var (
	jobColumns      = strings.Join(jobColumnList, ", ")
	jobColumnsJ     = "j." + strings.Join(jobColumnList, ", j.")
	archivedColumns = jobColumns + ", updated_at"
	// The archive CTE deletes from jobs before inserting, so an id collision
	// must overwrite the stale archive row rather than drop the job.
	archiveUpsertSet = excludedSet(append(append([]string{}, jobColumnList[1:]...), "updated_at", "archived_at"))
)

func excludedSet(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = EXCLUDED." + c
	}
	return strings.Join(parts, ", ")
}

const enqueueMaxRounds = 3

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a Postgres-backed jobqueue.Queue. Claims use FOR UPDATE SKIP LOCKED.
type Store struct {
	pool *pgxpool.Pool
}

var _ jobqueue.Queue = (*Store)(nil)

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
		return fmt.Errorf("jobqueue/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, queue string, payload []byte, opts jobqueue.EnqueueOptions) (jobqueue.Job, bool, error) {
	if s == nil || s.pool == nil {
		return jobqueue.Job{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := jobqueue.ValidateQueueName(queue); err != nil {
		return jobqueue.Job{}, false, err
	}
	body, err := jobqueue.NormalizePayload(payload)
	if err != nil {
		return jobqueue.Job{}, false, err
	}
	opts = opts.Normalize()

	var key *string
	if opts.IdempotencyKey != "" {
		key = &opts.IdempotencyKey
	}

	for round := 0; round < enqueueMaxRounds; round++ {
		if key != nil {
			existing, ok, err := s.findByKey(ctx, queue, *key, opts.DedupWindow)
			if err != nil {
				return jobqueue.Job{}, false, err
			}
			if ok {
				return existing, false, nil
			}
		}

		job, err := scanJob(s.pool.QueryRow(ctx, `
			INSERT INTO jobs (
				id, queue, payload, state, idempotency_key, priority,
				retry_limit, retry_delay_ms, retry_backoff, expire_after_ms,
				start_after, expire_at, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10,
				now() + ($11::bigint * interval '1 millisecond'),
				now() + ($10::bigint * interval '1 millisecond'),
				now(), now()
			)
			ON CONFLICT (queue, idempotency_key) WHERE idempotency_key IS NOT NULL AND state <= 3 DO NOTHING
			RETURNING `+jobColumns,
			uuid.New(), queue, []byte(body), stateToDB(jobqueue.StateCreated), key, opts.Priority,
			opts.RetryLimit, opts.RetryDelay.Milliseconds(), opts.RetryBackoff, opts.ExpireAfter.Milliseconds(),
			opts.StartAfter.Milliseconds(),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent producer inserted the same key first.
			continue
		}
		if err != nil {
			return jobqueue.Job{}, false, fmt.Errorf("jobqueue/postgres: insert job: %w", err)
		}
		_ = appendEvent(ctx, s.pool, job.ID, "job_created", map[string]any{
			"queue":           queue,
			"idempotency_key": opts.IdempotencyKey,
		})
		return job, true, nil
	}
	return jobqueue.Job{}, false, fmt.Errorf("jobqueue/postgres: enqueue %q: key %q contended", queue, opts.IdempotencyKey)
}

func (s *Store) findByKey(ctx context.Context, queue, key string, window time.Duration) (jobqueue.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE queue = $1 AND idempotency_key = $2
			AND (
				state <= 3
				OR (state = 4 AND $3::bigint > 0 AND completed_at > now() - ($3::bigint * interval '1 millisecond'))
			)
		ORDER BY (state <= 3) DESC, completed_at DESC NULLS FIRST
		LIMIT 1
	`, queue, key, window.Milliseconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobqueue.Job{}, false, nil
	}
	if err != nil {
		return jobqueue.Job{}, false, fmt.Errorf("jobqueue/postgres: find by key: %w", err)
	}
	return job, true, nil
}

func (s *Store) Lease(ctx context.Context, queue string, req jobqueue.LeaseRequest) ([]jobqueue.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := jobqueue.ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("jobqueue/postgres: begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	limit := req.Limit
	if req.Exclusive {
		limit = 1
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "jobqueue:"+queue); err != nil {
			return nil, fmt.Errorf("jobqueue/postgres: exclusive lock: %w", err)
		}
		var busy bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM jobs WHERE queue = $1 AND state = 3 AND lease_expires_at > now()
			)
		`, queue).Scan(&busy); err != nil {
			return nil, fmt.Errorf("jobqueue/postgres: exclusive check: %w", err)
		}
		if busy {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("jobqueue/postgres: commit lease read-only: %w", err)
			}
			return nil, nil
		}
	}

	// Jobs past expire_at are skipped here; Maintain expires them and reports
	// them to their owner.
	rows, err := tx.Query(ctx, `
		WITH picked AS (
			SELECT id
			FROM jobs
			WHERE queue = $1
				AND state IN (1, 2)
				AND start_after <= now()
				AND expire_at > now()
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET state = 3,
			lease_owner = $3,
			lease_expires_at = now() + ($4::bigint * interval '1 millisecond'),
			started_at = now(),
			updated_at = now()
		FROM picked
		WHERE j.id = picked.id
		RETURNING `+jobColumnsJ,
		queue, limit, req.Owner, req.TTL.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/postgres: lease jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if err := appendEvent(ctx, tx, j.ID, "job_leased", map[string]any{
			"owner":   req.Owner,
			"attempt": j.Attempt(),
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("jobqueue/postgres: commit lease tx: %w", err)
	}
	sortLeased(jobs)
	return jobs, nil
}

func (s *Store) Complete(ctx context.Context, id uuid.UUID, owner string) (jobqueue.Job, error) {
	if s == nil || s.pool == nil {
		return jobqueue.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if strings.TrimSpace(owner) == "" {
		return jobqueue.Job{}, fmt.Errorf("%w: owner is required", jobqueue.ErrInvalidConfig)
	}

	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = 4,
			completed_at = now(),
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND state = 3 AND lease_owner = $2
		RETURNING `+jobColumns,
		id, owner,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobqueue.Job{}, s.diagnoseOwned(ctx, id, owner)
	}
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: complete: %w", err)
	}
	_ = appendEvent(ctx, s.pool, id, "job_completed", map[string]any{"owner": owner})
	return job, nil
}

func (s *Store) Fail(ctx context.Context, id uuid.UUID, owner string, cause error) (jobqueue.Job, error) {
	if s == nil || s.pool == nil {
		return jobqueue.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if strings.TrimSpace(owner) == "" {
		return jobqueue.Job{}, fmt.Errorf("%w: owner is required", jobqueue.ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := getJobForUpdate(ctx, tx, id)
	if err != nil {
		return jobqueue.Job{}, err
	}
	if cur.State != jobqueue.StateActive {
		return jobqueue.Job{}, fmt.Errorf("%w: job %s is %s", jobqueue.ErrInvalidTransition, id, cur.State)
	}
	if cur.LeaseOwner != owner {
		return jobqueue.Job{}, jobqueue.ErrNotOwner
	}

	out, err := failTx(ctx, tx, cur, cause)
	if err != nil {
		return jobqueue.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: commit fail tx: %w", err)
	}
	return out, nil
}

func failTx(ctx context.Context, tx pgx.Tx, cur jobqueue.Job, cause error) (jobqueue.Job, error) {
	retryCount := jobqueue.NextRetryCount(cur, cause)
	var epoch time.Time
	state, startAfter := jobqueue.FailureOutcome(cur, retryCount, cause, epoch)
	delay := startAfter.Sub(epoch)

	out, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET state = $2,
			retry_count = $3,
			last_error = $4,
			lease_owner = NULL,
			lease_expires_at = NULL,
			start_after = CASE WHEN $2 = 2 THEN now() + ($5::bigint * interval '1 millisecond') ELSE start_after END,
			completed_at = CASE WHEN $2 = 2 THEN NULL ELSE now() END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		cur.ID, stateToDB(state), retryCount, jobqueue.ErrorText(cause), delay.Milliseconds(),
	))
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: fail update: %w", err)
	}
	if err := appendEvent(ctx, tx, cur.ID, "job_failed_attempt", map[string]any{
		"attempt":   retryCount,
		"state":     state.String(),
		"permanent": jobqueue.IsPermanent(cause),
		"deferred":  jobqueue.IsDeferred(cause),
		"error":     jobqueue.ErrorText(cause),
	}); err != nil {
		return jobqueue.Job{}, err
	}
	return out, nil
}

func (s *Store) Release(ctx context.Context, id uuid.UUID, owner string) (jobqueue.Job, error) {
	if s == nil || s.pool == nil {
		return jobqueue.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if strings.TrimSpace(owner) == "" {
		return jobqueue.Job{}, fmt.Errorf("%w: owner is required", jobqueue.ErrInvalidConfig)
	}

	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = CASE WHEN retry_count > 0 THEN 2 ELSE 1 END,
			lease_owner = NULL,
			lease_expires_at = NULL,
			started_at = NULL,
			updated_at = now()
		WHERE id = $1 AND state = 3 AND lease_owner = $2
		RETURNING `+jobColumns,
		id, owner,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobqueue.Job{}, s.diagnoseOwned(ctx, id, owner)
	}
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: release: %w", err)
	}
	_ = appendEvent(ctx, s.pool, id, "job_released", map[string]any{"owner": owner})
	return job, nil
}

// diagnoseOwned explains why a lease-owner conditional update matched no rows.
func (s *Store) diagnoseOwned(ctx context.Context, id uuid.UUID, owner string) error {
	cur, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobqueue.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("jobqueue/postgres: get job: %w", err)
	}
	if cur.State != jobqueue.StateActive {
		return fmt.Errorf("%w: job %s is %s", jobqueue.ErrInvalidTransition, id, cur.State)
	}
	if cur.LeaseOwner != owner {
		return jobqueue.ErrNotOwner
	}
	return fmt.Errorf("jobqueue/postgres: unexpected no rows for job %s", id)
}

func (s *Store) Get(ctx context.Context, queue string, id uuid.UUID) (jobqueue.Job, error) {
	if s == nil || s.pool == nil {
		return jobqueue.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND queue = $2
		UNION ALL
		SELECT `+jobColumns+` FROM job_archive WHERE id = $1 AND queue = $2
		LIMIT 1
	`, id, queue))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobqueue.Job{}, jobqueue.ErrNotFound
	}
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: get: %w", err)
	}
	return job, nil
}

func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (jobqueue.Job, error) {
	if s == nil || s.pool == nil {
		return jobqueue.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := getJobForUpdate(ctx, tx, id)
	if err != nil {
		return jobqueue.Job{}, err
	}
	if cur.State == jobqueue.StateCancelled {
		return cur, nil
	}
	if cur.State.Terminal() {
		return jobqueue.Job{}, fmt.Errorf("%w: cannot cancel %s job", jobqueue.ErrInvalidTransition, cur.State)
	}

	out, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET state = 6,
			completed_at = now(),
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id,
	))
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: cancel: %w", err)
	}
	if err := appendEvent(ctx, tx, id, "job_cancelled", map[string]any{"from": cur.State.String()}); err != nil {
		return jobqueue.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: commit cancel tx: %w", err)
	}
	return out, nil
}

func (s *Store) Retry(ctx context.Context, id uuid.UUID) (jobqueue.Job, error) {
	if s == nil || s.pool == nil {
		return jobqueue.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: begin retry tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := getJobForUpdate(ctx, tx, id)
	if err != nil {
		return jobqueue.Job{}, err
	}
	if !cur.State.Terminal() {
		return jobqueue.Job{}, fmt.Errorf("%w: job %s is still %s", jobqueue.ErrInvalidTransition, id, cur.State)
	}

	out, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET state = 1,
			retry_count = 0,
			last_error = NULL,
			start_after = now(),
			expire_at = now() + (expire_after_ms * interval '1 millisecond'),
			started_at = NULL,
			completed_at = NULL,
			updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return jobqueue.Job{}, fmt.Errorf("%w: key %q already has a live job", jobqueue.ErrDuplicate, cur.IdempotencyKey)
		}
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: retry: %w", err)
	}
	if err := appendEvent(ctx, tx, id, "job_retried", map[string]any{"from": cur.State.String()}); err != nil {
		return jobqueue.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: commit retry tx: %w", err)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, queue string) (jobqueue.Stats, error) {
	if s == nil || s.pool == nil {
		return jobqueue.Stats{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := jobqueue.ValidateQueueName(queue); err != nil {
		return jobqueue.Stats{}, err
	}

	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM jobs WHERE queue = $1 GROUP BY state`, queue)
	if err != nil {
		return jobqueue.Stats{}, fmt.Errorf("jobqueue/postgres: stats: %w", err)
	}
	defer rows.Close()

	out := jobqueue.Stats{Queue: queue}
	for rows.Next() {
		var (
			raw   int16
			count int64
		)
		if err := rows.Scan(&raw, &count); err != nil {
			return jobqueue.Stats{}, fmt.Errorf("jobqueue/postgres: scan stats: %w", err)
		}
		st, err := stateFromDB(raw)
		if err != nil {
			return jobqueue.Stats{}, err
		}
		out.Add(st, int(count))
	}
	if err := rows.Err(); err != nil {
		return jobqueue.Stats{}, fmt.Errorf("jobqueue/postgres: stats rows: %w", err)
	}
	return out, nil
}

func (s *Store) ListFailed(ctx context.Context, queue string, limit, offset int) ([]jobqueue.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := jobqueue.ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if limit <= 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit must be > 0 and offset >= 0", jobqueue.ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE queue = $1 AND state = 7
		ORDER BY completed_at DESC, id ASC
		LIMIT $2 OFFSET $3
	`, queue, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/postgres: list failed: %w", err)
	}
	return collectJobs(rows)
}

func (s *Store) Maintain(ctx context.Context, policy jobqueue.MaintenancePolicy) (jobqueue.MaintenanceResult, error) {
	if s == nil || s.pool == nil {
		return jobqueue.MaintenanceResult{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	policy = policy.Normalize()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return jobqueue.MaintenanceResult{}, fmt.Errorf("jobqueue/postgres: begin maintain tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res jobqueue.MaintenanceResult

	rows, err := tx.Query(ctx, `
		UPDATE jobs
		SET state = 5,
			completed_at = now(),
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE expire_at <= now()
			AND ($1 = '' OR queue = $1)
			AND (state IN (1, 2) OR (state = 3 AND lease_expires_at <= now()))
		RETURNING `+jobColumns,
		policy.Queue,
	)
	if err != nil {
		return res, fmt.Errorf("jobqueue/postgres: expire: %w", err)
	}
	expired, err := collectJobs(rows)
	if err != nil {
		return res, err
	}
	for _, j := range expired {
		if err := appendEvent(ctx, tx, j.ID, "job_expired", nil); err != nil {
			return res, err
		}
	}
	res.Expired = len(expired)
	res.Abandoned = append(res.Abandoned, expired...)

	rows, err = tx.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = 3 AND lease_expires_at <= now()
			AND ($1 = '' OR queue = $1)
		FOR UPDATE SKIP LOCKED
	`, policy.Queue)
	if err != nil {
		return res, fmt.Errorf("jobqueue/postgres: select lapsed leases: %w", err)
	}
	lapsed, err := collectJobs(rows)
	if err != nil {
		return res, err
	}
	for _, j := range lapsed {
		out, err := failTx(ctx, tx, j, jobqueue.ErrLeaseExpired)
		if err != nil {
			return res, err
		}
		if out.State == jobqueue.StateFailed {
			res.Abandoned = append(res.Abandoned, out)
		}
	}
	res.Reclaimed = len(lapsed)

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM jobs
			WHERE state >= 4 AND completed_at <= now() - ($1::bigint * interval '1 millisecond')
			RETURNING `+archivedColumns+`
		)
		INSERT INTO job_archive (`+archivedColumns+`, archived_at)
		SELECT `+archivedColumns+`, now() FROM moved
		ON CONFLICT (id) DO UPDATE SET `+archiveUpsertSet+`
	`, policy.ArchiveAfter.Milliseconds())
	if err != nil {
		return res, fmt.Errorf("jobqueue/postgres: archive: %w", err)
	}
	res.Archived = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `
		DELETE FROM job_archive
		WHERE archived_at <= now() - ($1::bigint * interval '1 millisecond')
	`, policy.DeleteAfter.Milliseconds())
	if err != nil {
		return res, fmt.Errorf("jobqueue/postgres: delete archive: %w", err)
	}
	res.Deleted = int(tag.RowsAffected())

	if res.Deleted > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM job_events e
			WHERE NOT EXISTS (SELECT 1 FROM jobs j WHERE j.id = e.job_id)
				AND NOT EXISTS (SELECT 1 FROM job_archive a WHERE a.id = e.job_id)
		`); err != nil {
			return res, fmt.Errorf("jobqueue/postgres: delete events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("jobqueue/postgres: commit maintain tx: %w", err)
	}
	return res, nil
}

func getJobForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (jobqueue.Job, error) {
	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobqueue.Job{}, jobqueue.ErrNotFound
	}
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobqueue/postgres: get job for update: %w", err)
	}
	return job, nil
}

func appendEvent(ctx context.Context, db execer, id uuid.UUID, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobqueue/postgres: marshal event payload: %w", err)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO job_events (job_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, now())
	`, id, eventType, b); err != nil {
		return fmt.Errorf("jobqueue/postgres: insert event: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (jobqueue.Job, error) {
	var (
		j            jobqueue.Job
		idRaw        [16]byte
		payload      []byte
		stateRaw     int16
		keyRaw       *string
		retryDelayMS int64
		expireMS     int64
		ownerRaw     *string
		leaseRaw     *time.Time
		lastErrRaw   *string
		startedRaw   *time.Time
		completedRaw *time.Time
	)
	err := row.Scan(
		&idRaw,
		&j.Queue,
		&payload,
		&stateRaw,
		&keyRaw,
		&j.Priority,
		&j.RetryCount,
		&j.RetryLimit,
		&retryDelayMS,
		&j.RetryBackoff,
		&expireMS,
		&j.StartAfter,
		&j.ExpireAt,
		&ownerRaw,
		&leaseRaw,
		&lastErrRaw,
		&j.CreatedAt,
		&startedRaw,
		&completedRaw,
	)
	if err != nil {
		return jobqueue.Job{}, err
	}
	state, err := stateFromDB(stateRaw)
	if err != nil {
		return jobqueue.Job{}, err
	}
	j.ID = uuid.UUID(idRaw)
	j.Payload = json.RawMessage(payload)
	j.State = state
	j.IdempotencyKey = stringOrEmpty(keyRaw)
	j.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	j.ExpireAfter = time.Duration(expireMS) * time.Millisecond
	j.LeaseOwner = stringOrEmpty(ownerRaw)
	j.LeaseExpiresAt = timeOrZero(leaseRaw)
	j.LastError = stringOrEmpty(lastErrRaw)
	j.StartedAt = timeOrZero(startedRaw)
	j.CompletedAt = timeOrZero(completedRaw)
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]jobqueue.Job, error) {
	defer rows.Close()
	var out []jobqueue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobqueue/postgres: scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobqueue/postgres: job rows: %w", err)
	}
	return out, nil
}

// sortLeased restores claim order; UPDATE ... RETURNING does not preserve it.
func sortLeased(jobs []jobqueue.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}

func stateToDB(s jobqueue.State) int16 {
	return int16(s)
}

func stateFromDB(v int16) (jobqueue.State, error) {
	s := jobqueue.State(v)
	if s < jobqueue.StateCreated || s > jobqueue.StateFailed {
		return jobqueue.StateUnknown, fmt.Errorf("jobqueue/postgres: invalid state %d", v)
	}
	return s, nil
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func timeOrZero(v *time.Time) time.Time {
	if v == nil {
		return time.Time{}
	}
	return *v
}
