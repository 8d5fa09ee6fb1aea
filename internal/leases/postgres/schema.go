package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS leases (
	name TEXT PRIMARY KEY,
	holder TEXT,
	epoch BIGINT NOT NULL DEFAULT 1,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT leases_holder_nonempty CHECK (holder IS NULL OR holder <> '')
);
`
