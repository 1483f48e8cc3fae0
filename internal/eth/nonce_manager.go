package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates nonces for the escrow payout account.
//
// Every payout leaves from a single account, so allocation is a cached
// counter seeded from the chain's pending nonce on first use. The cache can
// be discarded with Forget when a broadcast fails: the reserved nonce never
// reached the chain, and re-reading the pending nonce hands it out again
// instead of leaving a gap that would wedge every later payout.
type NonceManager struct {
	backend PendingNoncer
	account common.Address

	mu     sync.Mutex
	next   uint64
	seeded bool
}

func NewNonceManager(backend PendingNoncer, account common.Address) *NonceManager {
	return &NonceManager{
		backend: backend,
		account: account,
	}
}

// Next reserves the next nonce for a payout transaction.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seeded {
		n, err := m.backend.PendingNonceAt(ctx, m.account)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.seeded = true
	}

	n := m.next
	m.next++
	return n, nil
}

// Forget discards the cached counter so the next allocation re-reads the
// chain. Called after a broadcast failure, where the reserved nonce was never
// consumed on chain.
func (m *NonceManager) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeded = false
}
