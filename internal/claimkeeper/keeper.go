package claimkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exitpool-labs/exitpool/internal/settlement"
)

var ErrInvalidConfig = errors.New("claimkeeper: invalid config")

// Claimer is the engine surface the keeper drives.
type Claimer interface {
	Owner() common.Address
	Claim(ctx context.Context, caller, token, beneficiary common.Address, amount, nonce *big.Int) error
}

type RelayChecker interface {
	IsSuccessfulMsg(ctx context.Context, token, beneficiary common.Address, amount, nonce *big.Int) (bool, error)
}

type LedgerScanner interface {
	ListByState(ctx context.Context, state settlement.State, limit int) ([]settlement.Record, error)
}

type Config struct {
	// ScanLimit bounds greenlighted records examined per tick. Defaults to 100.
	ScanLimit int

	// ClaimTimeout bounds one claim attempt. Defaults to 2 minutes; a claim
	// waits for an L1 transaction to mine.
	ClaimTimeout time.Duration
}

// Keeper recovers fronted inventory. Each tick it scans greenlighted
// settlements and, once the withdrawal message is relay-confirmed on L1,
// claims the escrowed funds for the owner.
type Keeper struct {
	cfg    Config
	engine Claimer
	relay  RelayChecker
	ledger LedgerScanner
	log    *slog.Logger
}

func New(cfg Config, engine Claimer, relay RelayChecker, ledger LedgerScanner, log *slog.Logger) (*Keeper, error) {
	if engine == nil || relay == nil || ledger == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Keeper{cfg: cfg, engine: engine, relay: relay, ledger: ledger, log: log}, nil
}

// Tick examines one batch of greenlighted settlements and claims every one
// whose message has been relayed. Per-record failures are logged and skipped;
// only a ledger scan failure aborts the tick.
func (k *Keeper) Tick(ctx context.Context) (int, error) {
	recs, err := k.ledger.ListByState(ctx, settlement.StateGreenlighted, k.cfg.ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("claimkeeper: scan greenlighted: %w", err)
	}

	claimed := 0
	for _, rec := range recs {
		w := rec.Withdrawal
		key := w.Key()

		relayed, err := k.relay.IsSuccessfulMsg(ctx, w.Token, w.Beneficiary, w.Amount, w.Nonce)
		if err != nil {
			k.log.Error("oracle check", "key", key, "err", err)
			continue
		}
		if !relayed {
			// Not yet provable; the next tick will retry.
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, k.cfg.ClaimTimeout)
		err = k.engine.Claim(cctx, k.engine.Owner(), w.Token, w.Beneficiary, w.Amount, w.Nonce)
		cancel()
		switch {
		case err == nil:
			claimed++
			k.log.Info("claimed escrow for owner", "key", key, "amount", w.Amount)
		case errors.Is(err, settlement.ErrAlreadyClaimed), errors.Is(err, settlement.ErrNotGreenlighted):
			// Raced with another keeper or an operator claim.
			k.log.Info("settlement already claimed", "key", key)
		default:
			k.log.Error("claim escrow", "key", key, "err", err)
		}
	}
	return claimed, nil
}

// Run ticks at the given interval until ctx is done.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			k.log.Info("shutdown", "reason", ctx.Err())
			return nil
		case <-t.C:
			if _, err := k.Tick(ctx); err != nil {
				k.log.Error("keeper tick", "err", err)
			}
		}
	}
}
