package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS challenges (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	participant_count BIGINT NOT NULL DEFAULT 0,

	deployment_status TEXT NOT NULL DEFAULT 'pending_deployment',
	contract_address TEXT,
	deployment_tx_hash TEXT,
	deployment_height BIGINT,
	deployment_failure_reason TEXT,
	deployment_retry_count INTEGER NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT challenges_window CHECK (end_time > start_time),
	CONSTRAINT challenges_deployment_status CHECK (
		deployment_status IN ('pending_deployment', 'deploying', 'active', 'deployment_failed')
	),
	CONSTRAINT challenges_active_has_contract CHECK (
		deployment_status <> 'active' OR (contract_address IS NOT NULL AND deployment_tx_hash IS NOT NULL)
	)
);

CREATE UNIQUE INDEX IF NOT EXISTS challenges_contract_address_uidx
	ON challenges (contract_address)
	WHERE contract_address IS NOT NULL;
CREATE INDEX IF NOT EXISTS challenges_deployed_height_idx
	ON challenges (deployment_height)
	WHERE deployment_status = 'active';

CREATE TABLE IF NOT EXISTS chains (
	id BIGSERIAL PRIMARY KEY,
	challenge_id BIGINT NOT NULL REFERENCES challenges (id),
	name TEXT NOT NULL,
	length BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT chains_name_nonempty CHECK (name <> ''),
	CONSTRAINT chains_length_nonneg CHECK (length >= 0),
	UNIQUE (challenge_id, name)
);
`
