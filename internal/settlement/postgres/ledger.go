package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exitpool-labs/exitpool/internal/settlement"
)

var ErrInvalidConfig = errors.New("settlement/postgres: invalid config")

type Ledger struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Ledger{pool: pool}, nil
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("settlement/postgres: ensure schema: %w", err)
	}
	return nil
}

func (l *Ledger) State(ctx context.Context, key common.Hash) (settlement.State, error) {
	if l == nil || l.pool == nil {
		return "", fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}

	var stateRaw int16
	err := l.pool.QueryRow(ctx, `
		SELECT state FROM escrow_settlements WHERE wkey = $1
	`, key[:]).Scan(&stateRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.StateUnset, nil
		}
		return "", fmt.Errorf("settlement/postgres: read state: %w", err)
	}
	return stateFromDB(stateRaw)
}

func (l *Ledger) Get(ctx context.Context, key common.Hash) (settlement.Record, error) {
	if l == nil || l.pool == nil {
		return settlement.Record{}, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}

	var (
		tokenRaw, beneficiaryRaw []byte
		amountRaw, nonceRaw      []byte
		stateRaw                 int16
		createdAt, updatedAt     time.Time
	)
	err := l.pool.QueryRow(ctx, `
		SELECT token, beneficiary, amount, nonce, state, created_at, updated_at
		FROM escrow_settlements
		WHERE wkey = $1
	`, key[:]).Scan(&tokenRaw, &beneficiaryRaw, &amountRaw, &nonceRaw, &stateRaw, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.Record{}, settlement.ErrNotFound
		}
		return settlement.Record{}, fmt.Errorf("settlement/postgres: get record: %w", err)
	}
	return buildRecord(tokenRaw, beneficiaryRaw, amountRaw, nonceRaw, stateRaw, createdAt, updatedAt)
}

func (l *Ledger) Transition(ctx context.Context, w settlement.Withdrawal, from, to settlement.State) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("%w: no-op transition %q", settlement.ErrInvalidConfig, from)
	}
	key := w.Key()

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("settlement/postgres: begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	switch {
	case from == settlement.StateUnset:
		tag, err = tx.Exec(ctx, `
			INSERT INTO escrow_settlements (wkey, token, beneficiary, amount, nonce, state, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6, now(), now())
			ON CONFLICT (wkey) DO NOTHING
		`, key[:], w.Token[:], w.Beneficiary[:], bigToWord(w.Amount), bigToWord(w.Nonce), stateToDB(to))
	case to == settlement.StateUnset:
		tag, err = tx.Exec(ctx, `
			DELETE FROM escrow_settlements WHERE wkey = $1 AND state = $2
		`, key[:], stateToDB(from))
	default:
		tag, err = tx.Exec(ctx, `
			UPDATE escrow_settlements
			SET state = $3, updated_at = now()
			WHERE wkey = $1 AND state = $2
		`, key[:], stateToDB(from), stateToDB(to))
	}
	if err != nil {
		return fmt.Errorf("settlement/postgres: apply transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if from != settlement.StateUnset {
			return fmt.Errorf("%w: key %s, expected %q", settlement.ErrConflict, key, from)
		}
		// Another process inserted the row between the caller's state read and
		// this insert; the engine mutex is process-local, so two services
		// sharing one database can race an unset key. Report the settled state
		// the way a single process would.
		existing, stateErr := txState(ctx, tx, key)
		if stateErr != nil {
			return stateErr
		}
		return lostInsertRaceError(key, existing)
	}

	if err := appendEventTx(ctx, tx, key, map[string]any{
		"from": string(from),
		"to":   string(to),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement/postgres: commit transition tx: %w", err)
	}
	return nil
}

func (l *Ledger) ListByState(ctx context.Context, state settlement.State, limit int) ([]settlement.Record, error) {
	if l == nil || l.pool == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", settlement.ErrInvalidConfig)
	}

	rows, err := l.pool.Query(ctx, `
		SELECT token, beneficiary, amount, nonce, state, created_at, updated_at
		FROM escrow_settlements
		WHERE state = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, stateToDB(state), limit)
	if err != nil {
		return nil, fmt.Errorf("settlement/postgres: list by state: %w", err)
	}
	defer rows.Close()

	var out []settlement.Record
	for rows.Next() {
		var (
			tokenRaw, beneficiaryRaw []byte
			amountRaw, nonceRaw      []byte
			stateRaw                 int16
			createdAt, updatedAt     time.Time
		)
		if err := rows.Scan(&tokenRaw, &beneficiaryRaw, &amountRaw, &nonceRaw, &stateRaw, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("settlement/postgres: scan record: %w", err)
		}
		rec, err := buildRecord(tokenRaw, beneficiaryRaw, amountRaw, nonceRaw, stateRaw, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement/postgres: iterate records: %w", err)
	}
	return out, nil
}

func txState(ctx context.Context, tx pgx.Tx, key common.Hash) (settlement.State, error) {
	var stateRaw int16
	err := tx.QueryRow(ctx, `
		SELECT state FROM escrow_settlements WHERE wkey = $1
	`, key[:]).Scan(&stateRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.StateUnset, nil
		}
		return "", fmt.Errorf("settlement/postgres: read state: %w", err)
	}
	return stateFromDB(stateRaw)
}

// lostInsertRaceError maps the state another process committed for the key to
// the sentinel a single-process engine would have returned for a resolved key.
func lostInsertRaceError(key common.Hash, existing settlement.State) error {
	if existing.Resolved() {
		return fmt.Errorf("%w: key %s is %q", settlement.ErrAlreadyGreenlighted, key, existing)
	}
	// The conflicting row vanished again (a concurrent revert); the caller can
	// retry against an unset key.
	return fmt.Errorf("%w: key %s, expected %q", settlement.ErrConflict, key, settlement.StateUnset)
}

func appendEventTx(ctx context.Context, tx pgx.Tx, key common.Hash, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("settlement/postgres: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_settlement_events (wkey, payload, created_at)
		VALUES ($1, $2::jsonb, now())
	`, key[:], b); err != nil {
		return fmt.Errorf("settlement/postgres: insert event: %w", err)
	}
	return nil
}

func buildRecord(tokenRaw, beneficiaryRaw, amountRaw, nonceRaw []byte, stateRaw int16, createdAt, updatedAt time.Time) (settlement.Record, error) {
	state, err := stateFromDB(stateRaw)
	if err != nil {
		return settlement.Record{}, err
	}
	return settlement.Record{
		Withdrawal: settlement.Withdrawal{
			Token:       common.BytesToAddress(tokenRaw),
			Beneficiary: common.BytesToAddress(beneficiaryRaw),
			Amount:      new(big.Int).SetBytes(amountRaw),
			Nonce:       new(big.Int).SetBytes(nonceRaw),
		},
		State:     state,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func bigToWord(v *big.Int) []byte {
	word := common.BigToHash(v)
	return word[:]
}

func stateToDB(state settlement.State) int16 {
	switch state {
	case settlement.StateGreenlighted:
		return 1
	case settlement.StateClaimedByOwner:
		return 2
	case settlement.StateClaimedByBeneficiary:
		return 3
	default:
		return 0
	}
}

func stateFromDB(v int16) (settlement.State, error) {
	switch v {
	case 1:
		return settlement.StateGreenlighted, nil
	case 2:
		return settlement.StateClaimedByOwner, nil
	case 3:
		return settlement.StateClaimedByBeneficiary, nil
	default:
		return "", fmt.Errorf("settlement/postgres: unknown state %d", v)
	}
}
