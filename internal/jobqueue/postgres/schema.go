package postgres

// States: 1 created, 2 retry, 3 active, 4 completed, 5 expired, 6 cancelled, 7 failed.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id UUID PRIMARY KEY,
	queue TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	state SMALLINT NOT NULL,
	idempotency_key TEXT,
	priority INTEGER NOT NULL DEFAULT 0,

	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_limit INTEGER NOT NULL DEFAULT 0,
	retry_delay_ms BIGINT NOT NULL,
	retry_backoff BOOLEAN NOT NULL DEFAULT FALSE,
	expire_after_ms BIGINT NOT NULL,

	start_after TIMESTAMPTZ NOT NULL DEFAULT now(),
	expire_at TIMESTAMPTZ NOT NULL,
	lease_owner TEXT,
	lease_expires_at TIMESTAMPTZ,
	last_error TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT jobs_queue_nonempty CHECK (queue <> ''),
	CONSTRAINT jobs_state_range CHECK (state >= 1 AND state <= 7),
	CONSTRAINT jobs_retry_nonneg CHECK (retry_count >= 0 AND retry_limit >= 0),
	CONSTRAINT jobs_key_nonempty CHECK (idempotency_key IS NULL OR idempotency_key <> ''),
	CONSTRAINT jobs_lease_owner_nonempty CHECK (lease_owner IS NULL OR lease_owner <> '')
);

CREATE UNIQUE INDEX IF NOT EXISTS jobs_live_key_uidx
	ON jobs (queue, idempotency_key)
	WHERE idempotency_key IS NOT NULL AND state <= 3;
CREATE INDEX IF NOT EXISTS jobs_fetch_idx
	ON jobs (queue, priority DESC, created_at)
	WHERE state <= 2;
CREATE INDEX IF NOT EXISTS jobs_active_idx ON jobs (queue, lease_expires_at) WHERE state = 3;
CREATE INDEX IF NOT EXISTS jobs_completed_key_idx
	ON jobs (queue, idempotency_key, completed_at)
	WHERE state = 4;
CREATE INDEX IF NOT EXISTS jobs_terminal_idx ON jobs (completed_at) WHERE state >= 4;

CREATE TABLE IF NOT EXISTS job_archive (
	id UUID PRIMARY KEY,
	queue TEXT NOT NULL,
	payload JSONB NOT NULL,
	state SMALLINT NOT NULL,
	idempotency_key TEXT,
	priority INTEGER NOT NULL,
	retry_count INTEGER NOT NULL,
	retry_limit INTEGER NOT NULL,
	retry_delay_ms BIGINT NOT NULL,
	retry_backoff BOOLEAN NOT NULL,
	expire_after_ms BIGINT NOT NULL,
	start_after TIMESTAMPTZ NOT NULL,
	expire_at TIMESTAMPTZ NOT NULL,
	lease_owner TEXT,
	lease_expires_at TIMESTAMPTZ,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS job_archive_archived_at_idx ON job_archive (archived_at);

CREATE TABLE IF NOT EXISTS job_events (
	event_id BIGSERIAL PRIMARY KEY,
	job_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT job_events_type_nonempty CHECK (event_type <> '')
);

CREATE INDEX IF NOT EXISTS job_events_job_created_idx ON job_events (job_id, created_at);
`
