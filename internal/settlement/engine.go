package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenMover moves ERC20 value on L1. TransferFrom spends an allowance the
// inventory account granted to the escrow's relayer; Transfer pays out of the
// escrow's own holdings.
type TokenMover interface {
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error
}

// MessageVerifier answers whether the cross-domain withdrawal message is
// relay-confirmed.
type MessageVerifier interface {
	IsSuccessfulMsg(ctx context.Context, token, beneficiary common.Address, amount, nonce *big.Int) (bool, error)
}

type DecisionKind string

const (
	DecisionGreenlighted         DecisionKind = "greenlighted"
	DecisionClaimedByOwner       DecisionKind = "claimed_by_owner"
	DecisionClaimedByBeneficiary DecisionKind = "claimed_by_beneficiary"
)

// Decision is a committed settlement outcome, emitted after the ledger write
// and the transfer both succeeded.
type Decision struct {
	Kind       DecisionKind
	Key        common.Hash
	Withdrawal Withdrawal
	Caller     common.Address
	Inventory  common.Address // greenlight only
	At         time.Time
}

// DecisionSink receives committed decisions (queue publication, audit
// archive). Sink failures do not undo settlements; they are logged.
type DecisionSink interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// Engine arbitrates the race between the market maker's greenlight and the
// beneficiary's self-claim over a single payout key.
//
// All state-changing operations run under one mutex, so a check and its
// transition are never split across concurrent callers. The ledger
// transition is recorded before the external transfer and reverted if the
// transfer fails, so a partially applied operation is never observable.
type Engine struct {
	owner    common.Address
	ledger   Ledger
	mover    TokenMover
	verifier MessageVerifier

	sink  DecisionSink
	log   *slog.Logger
	nowFn func() time.Time

	mu sync.Mutex
}

type EngineOption func(*Engine)

func WithDecisionSink(sink DecisionSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithNowFunc(nowFn func() time.Time) EngineOption {
	return func(e *Engine) { e.nowFn = nowFn }
}

func NewEngine(owner common.Address, ledger Ledger, mover TokenMover, verifier MessageVerifier, opts ...EngineOption) (*Engine, error) {
	if (owner == common.Address{}) {
		return nil, fmt.Errorf("%w: zero owner", ErrInvalidConfig)
	}
	if ledger == nil || mover == nil || verifier == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}

	e := &Engine{
		owner:    owner,
		ledger:   ledger,
		mover:    mover,
		verifier: verifier,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if e.nowFn == nil {
		e.nowFn = time.Now
	}
	return e, nil
}

func (e *Engine) Owner() common.Address { return e.owner }

// Greenlight fronts the withdrawal from the market maker's inventory: it
// moves amount of token from inventory to the beneficiary and permanently
// marks the key greenlighted. Owner only; fails if the key is already
// resolved.
func (e *Engine) Greenlight(ctx context.Context, caller, token, inventory, beneficiary common.Address, amount, nonce *big.Int) error {
	if caller != e.owner {
		return fmt.Errorf("%w: caller %s is not owner", ErrUnauthorized, caller)
	}
	if (inventory == common.Address{}) {
		return fmt.Errorf("%w: zero inventory", ErrInvalidWithdrawal)
	}
	w := Withdrawal{Token: token, Beneficiary: beneficiary, Amount: amount, Nonce: nonce}
	if err := w.Validate(); err != nil {
		return err
	}
	key := w.Key()

	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.ledger.State(ctx, key)
	if err != nil {
		return err
	}
	if state.Resolved() {
		return fmt.Errorf("%w: key %s is %q", ErrAlreadyGreenlighted, key, state)
	}

	// Commit the flag first; a transfer that somehow re-enters observes the
	// key as resolved instead of replaying the greenlight.
	if err := e.ledger.Transition(ctx, w, StateUnset, StateGreenlighted); err != nil {
		return err
	}
	if err := e.mover.TransferFrom(ctx, token, inventory, beneficiary, amount); err != nil {
		if rerr := e.ledger.Transition(ctx, w, StateGreenlighted, StateUnset); rerr != nil {
			e.log.Error("revert greenlight after failed transfer", "key", key, "err", rerr)
			return errors.Join(fmt.Errorf("%w: %v", ErrTransferFailed, err), rerr)
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.emit(ctx, Decision{
		Kind:       DecisionGreenlighted,
		Key:        key,
		Withdrawal: cloneWithdrawal(w),
		Caller:     caller,
		Inventory:  inventory,
		At:         e.nowFn().UTC(),
	})
	return nil
}

// Claim releases the bridged funds held by the escrow once the withdrawal
// message is relay-confirmed.
//
// The owner may only reclaim keys it greenlighted; anyone else must be the
// beneficiary and wins only if no greenlight landed first.
func (e *Engine) Claim(ctx context.Context, caller, token, beneficiary common.Address, amount, nonce *big.Int) error {
	w := Withdrawal{Token: token, Beneficiary: beneficiary, Amount: amount, Nonce: nonce}
	if err := w.Validate(); err != nil {
		return err
	}

	relayed, err := e.verifier.IsSuccessfulMsg(ctx, token, beneficiary, amount, nonce)
	if err != nil {
		return err
	}
	if !relayed {
		return fmt.Errorf("%w: token %s beneficiary %s nonce %s", ErrMessageNotRelayed, token, beneficiary, nonce)
	}

	key := w.Key()

	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.ledger.State(ctx, key)
	if err != nil {
		return err
	}

	if caller == e.owner {
		switch state {
		case StateGreenlighted:
		case StateUnset:
			return fmt.Errorf("%w: key %s", ErrNotGreenlighted, key)
		default:
			return fmt.Errorf("%w: key %s is %q", ErrAlreadyClaimed, key, state)
		}
		return e.payout(ctx, w, key, StateGreenlighted, StateClaimedByOwner, Decision{
			Kind:       DecisionClaimedByOwner,
			Key:        key,
			Withdrawal: cloneWithdrawal(w),
			Caller:     caller,
		}, e.owner)
	}

	if caller != beneficiary {
		return fmt.Errorf("%w: caller %s, beneficiary %s", ErrWrongBeneficiary, caller, beneficiary)
	}
	if state.Resolved() {
		return fmt.Errorf("%w: key %s is %q", ErrAlreadyGreenlighted, key, state)
	}
	return e.payout(ctx, w, key, StateUnset, StateClaimedByBeneficiary, Decision{
		Kind:       DecisionClaimedByBeneficiary,
		Key:        key,
		Withdrawal: cloneWithdrawal(w),
		Caller:     caller,
	}, beneficiary)
}

// payout records the transition, pays from the escrow's own holdings, and
// reverts the transition if the transfer fails. Callers hold e.mu.
func (e *Engine) payout(ctx context.Context, w Withdrawal, key common.Hash, from, to State, d Decision, payee common.Address) error {
	if err := e.ledger.Transition(ctx, w, from, to); err != nil {
		return err
	}
	if err := e.mover.Transfer(ctx, w.Token, payee, w.Amount); err != nil {
		if rerr := e.ledger.Transition(ctx, w, to, from); rerr != nil {
			e.log.Error("revert claim after failed transfer", "key", key, "err", rerr)
			return errors.Join(fmt.Errorf("%w: %v", ErrTransferFailed, err), rerr)
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	d.At = e.nowFn().UTC()
	e.emit(ctx, d)
	return nil
}

// IsGreenlighted reports whether the key has been resolved, matching the
// single settled flag the escrow exposes externally.
func (e *Engine) IsGreenlighted(ctx context.Context, token, beneficiary common.Address, amount, nonce *big.Int) (bool, error) {
	w := Withdrawal{Token: token, Beneficiary: beneficiary, Amount: amount, Nonce: nonce}
	if err := w.Validate(); err != nil {
		return false, err
	}
	state, err := e.ledger.State(ctx, w.Key())
	if err != nil {
		return false, err
	}
	return state.Resolved(), nil
}

func (e *Engine) emit(ctx context.Context, d Decision) {
	if e.sink == nil {
		return
	}
	if err := e.sink.RecordDecision(ctx, d); err != nil {
		e.log.Error("record settlement decision", "kind", d.Kind, "key", d.Key, "err", err)
	}
}
