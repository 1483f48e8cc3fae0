package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidConfig     = errors.New("settlement: invalid config")
	ErrInvalidWithdrawal = errors.New("settlement: invalid withdrawal")

	ErrUnauthorized        = errors.New("settlement: unauthorized")
	ErrAlreadyGreenlighted = errors.New("settlement: already greenlighted")
	ErrNotGreenlighted     = errors.New("settlement: not greenlighted")
	ErrAlreadyClaimed      = errors.New("settlement: already claimed")
	ErrWrongBeneficiary    = errors.New("settlement: wrong beneficiary")
	ErrMessageNotRelayed   = errors.New("settlement: message not relayed")
	ErrTransferFailed      = errors.New("settlement: transfer failed")

	ErrNotFound = errors.New("settlement: not found")
	ErrConflict = errors.New("settlement: state conflict")
)

// State is the per-key settlement state. Every state other than StateUnset is
// permanent: there is no transition back.
type State string

const (
	StateUnset                State = "unset"
	StateGreenlighted         State = "greenlighted"
	StateClaimedByOwner       State = "claimed_by_owner"
	StateClaimedByBeneficiary State = "claimed_by_beneficiary"
)

// Resolved reports whether the payout has been committed to someone, i.e. the
// single flag the original scheme exposes.
func (s State) Resolved() bool { return s != StateUnset }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClaimedByOwner || s == StateClaimedByBeneficiary
}

const withdrawalKeyPrefixV1 = "exitpool.withdrawal.v1"

// Withdrawal identifies one L2->L1 withdrawal.
//
// The nonce is part of the identity: two withdrawals by the same beneficiary
// for the same token and amount are distinct payouts and must settle
// independently.
type Withdrawal struct {
	Token       common.Address
	Beneficiary common.Address
	Amount      *big.Int
	Nonce       *big.Int
}

func (w Withdrawal) Validate() error {
	if (w.Token == common.Address{}) {
		return fmt.Errorf("%w: zero token", ErrInvalidWithdrawal)
	}
	if (w.Beneficiary == common.Address{}) {
		return fmt.Errorf("%w: zero beneficiary", ErrInvalidWithdrawal)
	}
	if w.Amount == nil || w.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidWithdrawal)
	}
	if w.Nonce == nil || w.Nonce.Sign() < 0 {
		return fmt.Errorf("%w: nonce must be >= 0", ErrInvalidWithdrawal)
	}
	return nil
}

// Key computes the canonical withdrawal key:
//
//	keccak256("exitpool.withdrawal.v1" || token || beneficiary || amount256 || nonce256)
//
// with amount and nonce left-padded to 32 bytes.
func (w Withdrawal) Key() common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(withdrawalKeyPrefixV1))
	_, _ = h.Write(w.Token[:])
	_, _ = h.Write(w.Beneficiary[:])

	amount := common.BigToHash(bigOrZero(w.Amount))
	_, _ = h.Write(amount[:])
	nonce := common.BigToHash(bigOrZero(w.Nonce))
	_, _ = h.Write(nonce[:])

	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func cloneWithdrawal(w Withdrawal) Withdrawal {
	w.Amount = new(big.Int).Set(bigOrZero(w.Amount))
	w.Nonce = new(big.Int).Set(bigOrZero(w.Nonce))
	return w
}

// Record is a ledger row for one withdrawal key.
type Record struct {
	Withdrawal Withdrawal
	State      State

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ledger persists settlement states, keyed by Withdrawal.Key().
//
// Transition performs a compare-and-swap: it fails with ErrConflict unless
// the current state equals from (a missing row counts as StateUnset).
// Transitioning back to StateUnset is the engine's abort path when an
// external transfer fails after the state was recorded.
type Ledger interface {
	State(ctx context.Context, key common.Hash) (State, error)
	Get(ctx context.Context, key common.Hash) (Record, error)
	Transition(ctx context.Context, w Withdrawal, from, to State) error
	ListByState(ctx context.Context, state State, limit int) ([]Record, error)
}
