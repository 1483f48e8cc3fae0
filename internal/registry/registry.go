package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig = errors.New("registry: invalid config")
	ErrUnauthorized  = errors.New("registry: unauthorized")
)

// Entry is the bridge wiring registered for one L1 token.
//
// DepositBox is the L1 contract custodying bridged deposits for the token;
// L2Mirror is the L2 contract that represents it and originates withdrawal
// messages. Either side may be unset (zero address) until registered.
type Entry struct {
	Token      common.Address
	DepositBox common.Address
	L2Mirror   common.Address
}

// Store persists token registrations. Writes overwrite silently; entries are
// never deleted.
type Store interface {
	SetDepositBox(ctx context.Context, token, box common.Address) error
	SetMirror(ctx context.Context, token, l2Token common.Address) error
	// Lookup returns the zero-valued Entry (with Token set) for tokens that
	// were never registered.
	Lookup(ctx context.Context, token common.Address) (Entry, error)
}

// Registry applies owner access control over a Store.
//
// Only the single owner fixed at construction may register; lookups are
// unrestricted.
type Registry struct {
	owner common.Address
	store Store
}

func New(owner common.Address, store Store) (*Registry, error) {
	if (owner == common.Address{}) {
		return nil, fmt.Errorf("%w: zero owner", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &Registry{owner: owner, store: store}, nil
}

func (r *Registry) Owner() common.Address { return r.owner }

// RegisterDepositBox records the L1 deposit box for token, replacing any
// previous value. The box address is accepted as-is; no shape validation.
func (r *Registry) RegisterDepositBox(ctx context.Context, caller, token, box common.Address) error {
	if caller != r.owner {
		return fmt.Errorf("%w: caller %s is not owner", ErrUnauthorized, caller)
	}
	return r.store.SetDepositBox(ctx, token, box)
}

// RegisterMirror records the L2 mirror contract for token, replacing any
// previous value.
func (r *Registry) RegisterMirror(ctx context.Context, caller, token, l2Token common.Address) error {
	if caller != r.owner {
		return fmt.Errorf("%w: caller %s is not owner", ErrUnauthorized, caller)
	}
	return r.store.SetMirror(ctx, token, l2Token)
}

func (r *Registry) Lookup(ctx context.Context, token common.Address) (Entry, error) {
	return r.store.Lookup(ctx, token)
}
