package postgres

// Requires the challenge schema (challenges, chains).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS submissions (
	id BIGSERIAL PRIMARY KEY,
	sha256 TEXT NOT NULL UNIQUE,
	wallet_address TEXT NOT NULL,
	challenge_id BIGINT NOT NULL REFERENCES challenges (id),
	chain_id BIGINT NOT NULL REFERENCES chains (id),
	chain_position BIGINT NOT NULL,
	storage_key TEXT NOT NULL,
	public_key TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL DEFAULT '',

	status TEXT NOT NULL,
	proof_artifact BYTEA,
	failure_reason TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,

	transaction_hash TEXT,
	contract_address TEXT,
	submitted_height BIGINT,
	chain_status TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT submissions_sha256_hex CHECK (sha256 ~ '^[0-9a-f]{64}$'),
	CONSTRAINT submissions_status CHECK (status IN (
		'uploading', 'verifying', 'awaiting_review', 'proof_generation',
		'proof_publishing', 'complete', 'rejected', 'failed'
	)),
	CONSTRAINT submissions_chain_status CHECK (
		chain_status IS NULL OR chain_status IN ('pending', 'included', 'final', 'abandoned')
	),
	CONSTRAINT submissions_artifact_window CHECK (proof_artifact IS NULL OR status = 'proof_publishing'),
	CONSTRAINT submissions_position_positive CHECK (chain_position >= 1),
	UNIQUE (chain_id, chain_position)
);

CREATE INDEX IF NOT EXISTS submissions_tracked_idx
	ON submissions (submitted_height)
	WHERE transaction_hash IS NOT NULL;
CREATE INDEX IF NOT EXISTS submissions_tx_hash_idx
	ON submissions (transaction_hash)
	WHERE transaction_hash IS NOT NULL;
`
