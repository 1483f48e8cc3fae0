package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exitpool-labs/exitpool/internal/registry"
)

var ErrInvalidConfig = errors.New("relay: invalid config")

// Oracle answers whether a message with the given content hash has been
// marked successfully relayed by the cross-domain messenger.
type Oracle interface {
	SuccessfulMessage(ctx context.Context, h common.Hash) (bool, error)
}

// TokenDirectory resolves the bridge wiring for a token.
type TokenDirectory interface {
	Lookup(ctx context.Context, token common.Address) (registry.Entry, error)
}

// Verifier reconstructs the cross-domain message a withdrawal must have
// produced and checks it against the messenger oracle.
type Verifier struct {
	dir    TokenDirectory
	oracle Oracle
}

func NewVerifier(dir TokenDirectory, oracle Oracle) (*Verifier, error) {
	if dir == nil || oracle == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	return &Verifier{dir: dir, oracle: oracle}, nil
}

// IsSuccessfulMsg reports whether the withdrawal message for
// (token, beneficiary, amount, nonce) is relay-confirmed.
//
// The reconstruction uses whatever the registry currently holds for the
// token, including the zero address when unregistered; in that case the hash
// cannot match a real message and the oracle answer is false. No local state
// is written.
func (v *Verifier) IsSuccessfulMsg(ctx context.Context, token, beneficiary common.Address, amount, nonce *big.Int) (bool, error) {
	entry, err := v.dir.Lookup(ctx, token)
	if err != nil {
		return false, fmt.Errorf("relay: lookup token %s: %w", token, err)
	}

	call, err := EncodeWithdrawCall(beneficiary, amount)
	if err != nil {
		return false, err
	}
	envelope, err := EncodeRelayMessage(entry.DepositBox, entry.L2Mirror, call, nonce)
	if err != nil {
		return false, err
	}

	ok, err := v.oracle.SuccessfulMessage(ctx, MessageHash(envelope))
	if err != nil {
		return false, fmt.Errorf("relay: query oracle: %w", err)
	}
	return ok, nil
}
