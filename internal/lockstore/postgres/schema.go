package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS locks (
	resource TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS locks_expires_at_idx ON locks (expires_at);
`
