package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip *big.Int
	baseFee    *big.Int
	gasEst     uint64

	sent []*types.Transaction

	receipts map[common.Hash]*types.Receipt

	sendHook func(tx *types.Transaction) error
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gasEst, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.sendHook != nil {
		return b.sendHook(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func TestRelayer_SendsAndWaitsForReceipt(t *testing.T) {
	ctx := context.Background()
	signer := testPayoutSigner(t)

	backend := &fakeBackend{
		pendingNonce: 3,
		suggestTip:   big.NewInt(2),
		baseFee:      big.NewInt(100),
		gasEst:       50_000,
		receipts:     make(map[common.Hash]*types.Receipt),
	}

	polls := 0
	r, err := NewRelayer(backend, signer, RelayerConfig{
		ChainID:             big.NewInt(8453),
		GasLimitMultiplier:  1.2,
		MinTipCap:           big.NewInt(5),
		ReceiptPollInterval: 5 * time.Second,
		Sleep: func(_ context.Context, _ time.Duration) error {
			// Receipt appears after the first poll interval.
			polls++
			backend.mu.Lock()
			defer backend.mu.Unlock()
			tx := backend.sent[0]
			backend.receipts[tx.Hash()] = &types.Receipt{
				TxHash:      tx.Hash(),
				Status:      types.ReceiptStatusSuccessful,
				BlockNumber: big.NewInt(1),
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}

	to := common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
	res, err := r.SendAndWaitMined(ctx, TxRequest{
		To:   to,
		Data: []byte{0x01, 0x02},
	})
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}
	if res.Receipt == nil || res.Receipt.Status != types.ReceiptStatusSuccessful {
		t.Fatalf("expected successful receipt, got %+v", res.Receipt)
	}
	if polls != 1 {
		t.Fatalf("polls: got %d want 1", polls)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()

	if len(backend.sent) != 1 {
		t.Fatalf("sent txs: got %d want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Nonce() != 3 {
		t.Fatalf("nonce: got %d want 3", tx.Nonce())
	}
	if tx.GasTipCap().Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("tipCap: got %s want 5", tx.GasTipCap())
	}
	// feeCap = 2*100 + 5
	if tx.GasFeeCap().Cmp(big.NewInt(205)) != 0 {
		t.Fatalf("feeCap: got %s want 205", tx.GasFeeCap())
	}
	// gasEst * 1.2
	if tx.Gas() != 60_000 {
		t.Fatalf("gas: got %d want 60000", tx.Gas())
	}
	if res.From != signer.Address() || res.TxHash != tx.Hash() {
		t.Fatalf("result mismatch: %+v", res)
	}
	if backend.nonceCalls != 1 {
		t.Fatalf("PendingNonceAt calls: got %d want 1", backend.nonceCalls)
	}
}

func TestRelayer_AllocatesSequentialNonces(t *testing.T) {
	ctx := context.Background()
	signer := testPayoutSigner(t)

	backend := &fakeBackend{
		suggestTip: big.NewInt(1),
		baseFee:    big.NewInt(10),
		gasEst:     21_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}
	// Mine everything immediately.
	backend.sendHook = func(tx *types.Transaction) error {
		backend.receipts[tx.Hash()] = &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(1),
		}
		return nil
	}

	r, err := NewRelayer(backend, signer, RelayerConfig{
		ChainID:             big.NewInt(1),
		GasLimitMultiplier:  1,
		MinTipCap:           big.NewInt(0),
		ReceiptPollInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}

	to := common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
	for want := uint64(0); want < 3; want++ {
		res, err := r.SendAndWaitMined(ctx, TxRequest{To: to})
		if err != nil {
			t.Fatalf("SendAndWaitMined %d: %v", want, err)
		}
		if res.Nonce != want {
			t.Fatalf("nonce: got %d want %d", res.Nonce, want)
		}
	}
	if backend.nonceCalls != 1 {
		t.Fatalf("PendingNonceAt calls: got %d want 1", backend.nonceCalls)
	}
}

func TestRelayer_ReusesNonceAfterFailedBroadcast(t *testing.T) {
	ctx := context.Background()
	signer := testPayoutSigner(t)

	broadcastErr := errors.New("connection reset")
	backend := &fakeBackend{
		pendingNonce: 3,
		suggestTip:   big.NewInt(1),
		baseFee:      big.NewInt(10),
		gasEst:       21_000,
		receipts:     make(map[common.Hash]*types.Receipt),
	}
	failed := false
	backend.sendHook = func(tx *types.Transaction) error {
		if !failed {
			failed = true
			return broadcastErr
		}
		backend.receipts[tx.Hash()] = &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(1),
		}
		return nil
	}

	r, err := NewRelayer(backend, signer, RelayerConfig{
		ChainID:             big.NewInt(1),
		GasLimitMultiplier:  1,
		MinTipCap:           big.NewInt(0),
		ReceiptPollInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	if _, err := r.SendAndWaitMined(ctx, TxRequest{To: to}); !errors.Is(err, broadcastErr) {
		t.Fatalf("expected broadcast error, got %v", err)
	}

	// The failed payout never consumed nonce 3 on chain; the retry must not
	// skip past it.
	res, err := r.SendAndWaitMined(ctx, TxRequest{To: to})
	if err != nil {
		t.Fatalf("SendAndWaitMined retry: %v", err)
	}
	if res.Nonce != 3 {
		t.Fatalf("retry nonce: got %d want 3", res.Nonce)
	}
	if backend.nonceCalls != 2 {
		t.Fatalf("PendingNonceAt calls: got %d want 2 (reseed after failure)", backend.nonceCalls)
	}
}

func TestNewRelayer_RejectsBadConfig(t *testing.T) {
	signer := testPayoutSigner(t)
	backend := &fakeBackend{}

	good := RelayerConfig{
		ChainID:             big.NewInt(1),
		GasLimitMultiplier:  1,
		MinTipCap:           big.NewInt(0),
		ReceiptPollInterval: time.Second,
	}

	cases := []struct {
		name string
		mod  func(c *RelayerConfig)
	}{
		{"nil chain id", func(c *RelayerConfig) { c.ChainID = nil }},
		{"zero chain id", func(c *RelayerConfig) { c.ChainID = big.NewInt(0) }},
		{"zero multiplier", func(c *RelayerConfig) { c.GasLimitMultiplier = 0 }},
		{"nil min tip", func(c *RelayerConfig) { c.MinTipCap = nil }},
		{"zero poll interval", func(c *RelayerConfig) { c.ReceiptPollInterval = 0 }},
	}
	for _, tc := range cases {
		cfg := good
		tc.mod(&cfg)
		if _, err := NewRelayer(backend, signer, cfg); !errors.Is(err, ErrInvalidRelayerConfig) {
			t.Fatalf("%s: expected ErrInvalidRelayerConfig, got %v", tc.name, err)
		}
	}

	if _, err := NewRelayer(nil, signer, good); !errors.Is(err, ErrInvalidRelayerConfig) {
		t.Fatalf("nil backend: got %v", err)
	}
	if _, err := NewRelayer(backend, nil, good); !errors.Is(err, ErrInvalidRelayerConfig) {
		t.Fatalf("nil signer: got %v", err)
	}
	if _, err := NewRelayer(backend, NewLocalSigner(nil), good); !errors.Is(err, ErrInvalidRelayerConfig) {
		t.Fatalf("zero-address signer: got %v", err)
	}
}
