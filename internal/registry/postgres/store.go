package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exitpool-labs/exitpool/internal/registry"
)

var ErrInvalidConfig = errors.New("registry/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

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
		return fmt.Errorf("registry/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) SetDepositBox(ctx context.Context, token, box common.Address) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrow_tokens (token, deposit_box, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (token) DO UPDATE
		SET deposit_box = EXCLUDED.deposit_box,
			updated_at = now()
	`, token[:], box[:])
	if err != nil {
		return fmt.Errorf("registry/postgres: set deposit box: %w", err)
	}
	return nil
}

func (s *Store) SetMirror(ctx context.Context, token, l2Token common.Address) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrow_tokens (token, l2_mirror, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (token) DO UPDATE
		SET l2_mirror = EXCLUDED.l2_mirror,
			updated_at = now()
	`, token[:], l2Token[:])
	if err != nil {
		return fmt.Errorf("registry/postgres: set mirror: %w", err)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, token common.Address) (registry.Entry, error) {
	if s == nil || s.pool == nil {
		return registry.Entry{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var boxRaw, mirrorRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT deposit_box, l2_mirror
		FROM escrow_tokens
		WHERE token = $1
	`, token[:]).Scan(&boxRaw, &mirrorRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Entry{Token: token}, nil
		}
		return registry.Entry{}, fmt.Errorf("registry/postgres: lookup: %w", err)
	}

	return registry.Entry{
		Token:      token,
		DepositBox: common.BytesToAddress(boxRaw),
		L2Mirror:   common.BytesToAddress(mirrorRaw),
	}, nil
}
