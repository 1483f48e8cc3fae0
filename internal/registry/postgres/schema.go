package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_tokens (
	token BYTEA PRIMARY KEY,
	deposit_box BYTEA,
	l2_mirror BYTEA,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT escrow_tokens_token_len CHECK (octet_length(token) = 20),
	CONSTRAINT escrow_tokens_box_len CHECK (deposit_box IS NULL OR octet_length(deposit_box) = 20),
	CONSTRAINT escrow_tokens_mirror_len CHECK (l2_mirror IS NULL OR octet_length(l2_mirror) = 20)
);
`
