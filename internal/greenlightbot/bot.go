package greenlightbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exitpool-labs/exitpool/internal/queue"
	"github.com/exitpool-labs/exitpool/internal/settlement"
	"github.com/exitpool-labs/exitpool/internal/withdrawevent"
)

var ErrInvalidConfig = errors.New("greenlightbot: invalid config")

// Settlor is the engine surface the bot drives.
type Settlor interface {
	Owner() common.Address
	Greenlight(ctx context.Context, caller, token, inventory, beneficiary common.Address, amount, nonce *big.Int) error
}

type Config struct {
	// Inventory is the market-maker account fronting the fast payouts.
	Inventory common.Address

	// HandleTimeout bounds one greenlight attempt. Defaults to 30s.
	HandleTimeout time.Duration

	// AckTimeout bounds queue acknowledgements. Defaults to 5s.
	AckTimeout time.Duration
}

// Bot consumes observed-withdrawal events and fronts each one with an owner
// greenlight.
//
// Malformed events and already-settled keys are acknowledged and dropped;
// transient failures (ledger conflict, transfer failure, RPC outage) leave the
// message unacked so the queue redelivers it.
type Bot struct {
	cfg      Config
	engine   Settlor
	consumer queue.Consumer
	log      *slog.Logger
}

func New(cfg Config, engine Settlor, consumer queue.Consumer, log *slog.Logger) (*Bot, error) {
	if engine == nil || consumer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Inventory == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing inventory address", ErrInvalidConfig)
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Bot{cfg: cfg, engine: engine, consumer: consumer, log: log}, nil
}

// Run consumes until ctx is done or the message stream closes.
func (b *Bot) Run(ctx context.Context) error {
	msgCh := b.consumer.Messages()
	errCh := b.consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("shutdown", "reason", ctx.Err())
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				b.log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bot) handle(ctx context.Context, msg queue.Message) {
	line := bytes.TrimSpace(msg.Value)
	if len(line) == 0 {
		b.ack(msg)
		return
	}

	w, err := withdrawevent.Decode(line)
	if err != nil {
		b.log.Warn("drop malformed withdrawal event", "topic", msg.Topic, "err", err)
		b.ack(msg)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandleTimeout)
	err = b.engine.Greenlight(hctx, b.engine.Owner(), w.Token, b.cfg.Inventory, w.Beneficiary, w.Amount, w.Nonce)
	cancel()

	switch {
	case err == nil:
		b.log.Info("greenlighted withdrawal", "key", w.Key(), "beneficiary", w.Beneficiary, "amount", w.Amount)
		b.ack(msg)
	case errors.Is(err, settlement.ErrAlreadyGreenlighted), errors.Is(err, settlement.ErrAlreadyClaimed):
		// Redelivered or raced event; the key is settled either way.
		b.log.Info("withdrawal already settled", "key", w.Key())
		b.ack(msg)
	case errors.Is(err, settlement.ErrInvalidWithdrawal):
		b.log.Warn("drop invalid withdrawal", "key", w.Key(), "err", err)
		b.ack(msg)
	default:
		// Leave unacked so the queue redelivers after restart/rebalance.
		b.log.Error("greenlight withdrawal", "key", w.Key(), "err", err)
	}
}

func (b *Bot) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		b.log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}
