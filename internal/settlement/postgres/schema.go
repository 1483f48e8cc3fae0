package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_settlements (
	wkey BYTEA PRIMARY KEY,
	token BYTEA NOT NULL,
	beneficiary BYTEA NOT NULL,
	amount BYTEA NOT NULL,
	nonce BYTEA NOT NULL,
	state SMALLINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT escrow_settlements_wkey_len CHECK (octet_length(wkey) = 32),
	CONSTRAINT escrow_settlements_token_len CHECK (octet_length(token) = 20),
	CONSTRAINT escrow_settlements_beneficiary_len CHECK (octet_length(beneficiary) = 20),
	CONSTRAINT escrow_settlements_amount_len CHECK (octet_length(amount) = 32),
	CONSTRAINT escrow_settlements_nonce_len CHECK (octet_length(nonce) = 32),
	CONSTRAINT escrow_settlements_state_range CHECK (state >= 1 AND state <= 3)
);

CREATE INDEX IF NOT EXISTS escrow_settlements_state_idx ON escrow_settlements (state, created_at);

CREATE TABLE IF NOT EXISTS escrow_settlement_events (
	event_id BIGSERIAL PRIMARY KEY,
	wkey BYTEA NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT escrow_settlement_events_wkey_len CHECK (octet_length(wkey) = 32)
);

CREATE INDEX IF NOT EXISTS escrow_settlement_events_wkey_idx ON escrow_settlement_events (wkey, created_at);
`
