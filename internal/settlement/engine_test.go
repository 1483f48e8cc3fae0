package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testOwner       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken       = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testInventory   = common.HexToAddress("0x0000000000000000000000000000000000000011")
	testBeneficiary = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

// escrowAccount is the fake mover's stand-in for the escrow's own holdings.
var escrowAccount = common.HexToAddress("0x000000000000000000000000000000000000e5c0")

type fakeMover struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int

	failTransferFrom bool
	failTransfer     bool

	transferFromCalls int
	transferCalls     int
}

func newFakeMover() *fakeMover {
	return &fakeMover{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

func (m *fakeMover) setBalance(token, account common.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[token] == nil {
		m.balances[token] = make(map[common.Address]*big.Int)
	}
	m.balances[token][account] = big.NewInt(amount)
}

func (m *fakeMover) balance(token, account common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balances[token][account]
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b)
}

func (m *fakeMover) move(token, from, to common.Address, amount *big.Int) error {
	if m.balances[token] == nil {
		m.balances[token] = make(map[common.Address]*big.Int)
	}
	src := m.balances[token][from]
	if src == nil {
		src = new(big.Int)
	}
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: have %s want %s", src, amount)
	}
	m.balances[token][from] = new(big.Int).Sub(src, amount)
	dst := m.balances[token][to]
	if dst == nil {
		dst = new(big.Int)
	}
	m.balances[token][to] = new(big.Int).Add(dst, amount)
	return nil
}

func (m *fakeMover) TransferFrom(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferFromCalls++
	if m.failTransferFrom {
		return errors.New("transferFrom reverted")
	}
	return m.move(token, from, to, amount)
}

func (m *fakeMover) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferCalls++
	if m.failTransfer {
		return errors.New("transfer reverted")
	}
	return m.move(token, escrowAccount, to, amount)
}

type fakeVerifier struct {
	mu      sync.Mutex
	relayed map[string]bool
	err     error
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{relayed: make(map[string]bool)}
}

func verifierKey(token, beneficiary common.Address, amount, nonce *big.Int) string {
	return fmt.Sprintf("%s|%s|%s|%s", token, beneficiary, amount, nonce)
}

func (v *fakeVerifier) markRelayed(token, beneficiary common.Address, amount, nonce *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.relayed[verifierKey(token, beneficiary, amount, nonce)] = true
}

func (v *fakeVerifier) IsSuccessfulMsg(_ context.Context, token, beneficiary common.Address, amount, nonce *big.Int) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return false, v.err
	}
	return v.relayed[verifierKey(token, beneficiary, amount, nonce)], nil
}

type captureSink struct {
	mu        sync.Mutex
	decisions []Decision
}

func (s *captureSink) RecordDecision(_ context.Context, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *captureSink) kinds() []DecisionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DecisionKind, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, d.Kind)
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeMover, *fakeVerifier, *captureSink) {
	t.Helper()

	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	mover := newFakeMover()
	verifier := newFakeVerifier()
	sink := &captureSink{}

	e, err := NewEngine(testOwner, NewMemoryLedger(func() time.Time { return now }), mover, verifier,
		WithDecisionSink(sink),
		WithNowFunc(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, mover, verifier, sink
}

func TestGreenlight_MovesInventoryAndSettles(t *testing.T) {
	t.Parallel()

	e, mover, _, sink := newTestEngine(t)
	mover.setBalance(testToken, testInventory, 1000)
	ctx := context.Background()

	if err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(1)); err != nil {
		t.Fatalf("Greenlight: %v", err)
	}

	if got := mover.balance(testToken, testBeneficiary); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("beneficiary balance: got %s want 100", got)
	}
	if got := mover.balance(testToken, testInventory); got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("inventory balance: got %s want 900", got)
	}

	ok, err := e.IsGreenlighted(ctx, testToken, testBeneficiary, big.NewInt(100), big.NewInt(1))
	if err != nil {
		t.Fatalf("IsGreenlighted: %v", err)
	}
	if !ok {
		t.Fatalf("expected key to be greenlighted")
	}

	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != DecisionGreenlighted {
		t.Fatalf("decisions: got %v want [greenlighted]", kinds)
	}
}

func TestGreenlight_SecondAttemptFailsWithoutDoubleTransfer(t *testing.T) {
	t.Parallel()

	e, mover, _, _ := newTestEngine(t)
	mover.setBalance(testToken, testInventory, 1000)
	ctx := context.Background()

	if err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(1)); err != nil {
		t.Fatalf("Greenlight #1: %v", err)
	}
	err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(1))
	if !errors.Is(err, ErrAlreadyGreenlighted) {
		t.Fatalf("expected ErrAlreadyGreenlighted, got %v", err)
	}

	if mover.transferFromCalls != 1 {
		t.Fatalf("transferFrom calls: got %d want 1", mover.transferFromCalls)
	}
	if got := mover.balance(testToken, testBeneficiary); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("beneficiary balance after replay: got %s want 100", got)
	}
}

func TestGreenlight_DistinctNoncesSettleIndependently(t *testing.T) {
	t.Parallel()

	e, mover, _, _ := newTestEngine(t)
	mover.setBalance(testToken, testInventory, 1000)
	ctx := context.Background()

	if err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(1)); err != nil {
		t.Fatalf("Greenlight nonce 1: %v", err)
	}
	// Same token, beneficiary, and amount; different withdrawal.
	if err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(2)); err != nil {
		t.Fatalf("Greenlight nonce 2: %v", err)
	}
	if got := mover.balance(testToken, testBeneficiary); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("beneficiary balance: got %s want 200", got)
	}
}

func TestGreenlight_NonOwnerRejected(t *testing.T) {
	t.Parallel()

	e, mover, _, _ := newTestEngine(t)
	mover.setBalance(testToken, testInventory, 1000)

	err := e.Greenlight(context.Background(), testBeneficiary, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(1))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if mover.transferFromCalls != 0 {
		t.Fatalf("no transfer expected, got %d calls", mover.transferFromCalls)
	}
}

func TestGreenlight_TransferFailureLeavesKeyUnset(t *testing.T) {
	t.Parallel()

	e, mover, _, sink := newTestEngine(t)
	mover.setBalance(testToken, testInventory, 1000)
	mover.failTransferFrom = true
	ctx := context.Background()

	err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(1))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	ok, err := e.IsGreenlighted(ctx, testToken, testBeneficiary, big.NewInt(100), big.NewInt(1))
	if err != nil {
		t.Fatalf("IsGreenlighted: %v", err)
	}
	if ok {
		t.Fatalf("failed greenlight must not leave the key settled")
	}
	if len(sink.kinds()) != 0 {
		t.Fatalf("no decision expected on failure, got %v", sink.kinds())
	}

	// The operation is retryable once the transfer works again.
	mover.failTransferFrom = false
	if err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(1)); err != nil {
		t.Fatalf("Greenlight retry: %v", err)
	}
}

func TestClaim_RequiresRelayedMessage(t *testing.T) {
	t.Parallel()

	e, mover, _, _ := newTestEngine(t)
	mover.setBalance(testToken, testInventory, 1000)
	ctx := context.Background()

	if err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, big.NewInt(100), big.NewInt(1)); err != nil {
		t.Fatalf("Greenlight: %v", err)
	}

	// Neither the owner nor the beneficiary can claim before the relay.
	err := e.Claim(ctx, testOwner, testToken, testBeneficiary, big.NewInt(100), big.NewInt(1))
	if !errors.Is(err, ErrMessageNotRelayed) {
		t.Fatalf("owner claim: expected ErrMessageNotRelayed, got %v", err)
	}
	err = e.Claim(ctx, testBeneficiary, testToken, testBeneficiary, big.NewInt(100), big.NewInt(1))
	if !errors.Is(err, ErrMessageNotRelayed) {
		t.Fatalf("beneficiary claim: expected ErrMessageNotRelayed, got %v", err)
	}
}

func TestClaim_MarketMakerPath(t *testing.T) {
	t.Parallel()

	e, mover, verifier, sink := newTestEngine(t)
	mover.setBalance(testToken, testInventory, 1000)
	mover.setBalance(testToken, escrowAccount, 500)
	ctx := context.Background()

	amount, nonce := big.NewInt(100), big.NewInt(1)
	if err := e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, amount, nonce); err != nil {
		t.Fatalf("Greenlight: %v", err)
	}
	verifier.markRelayed(testToken, testBeneficiary, amount, nonce)

	// The beneficiary lost the race; its claim fails no matter when it runs.
	err := e.Claim(ctx, testBeneficiary, testToken, testBeneficiary, amount, nonce)
	if !errors.Is(err, ErrAlreadyGreenlighted) {
		t.Fatalf("beneficiary claim: expected ErrAlreadyGreenlighted, got %v", err)
	}

	if err := e.Claim(ctx, testOwner, testToken, testBeneficiary, amount, nonce); err != nil {
		t.Fatalf("owner claim: %v", err)
	}
	if got := mover.balance(testToken, testOwner); got.Cmp(amount) != 0 {
		t.Fatalf("owner balance: got %s want %s", got, amount)
	}
	if got := mover.balance(testToken, escrowAccount); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("escrow balance: got %s want 400", got)
	}

	// Owner cannot claim the same key twice.
	err = e.Claim(ctx, testOwner, testToken, testBeneficiary, amount, nonce)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("owner reclaim: expected ErrAlreadyClaimed, got %v", err)
	}

	want := []DecisionKind{DecisionGreenlighted, DecisionClaimedByOwner}
	got := sink.kinds()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("decisions: got %v want %v", got, want)
	}
}

func TestClaim_BeneficiarySelfClaimPath(t *testing.T) {
	t.Parallel()

	e, mover, verifier, sink := newTestEngine(t)
	mover.setBalance(testToken, escrowAccount, 500)
	ctx := context.Background()

	amount, nonce := big.NewInt(100), big.NewInt(1)
	verifier.markRelayed(testToken, testBeneficiary, amount, nonce)

	if err := e.Claim(ctx, testBeneficiary, testToken, testBeneficiary, amount, nonce); err != nil {
		t.Fatalf("self-claim: %v", err)
	}
	if got := mover.balance(testToken, testBeneficiary); got.Cmp(amount) != 0 {
		t.Fatalf("beneficiary balance: got %s want %s", got, amount)
	}

	ok, err := e.IsGreenlighted(ctx, testToken, testBeneficiary, amount, nonce)
	if err != nil {
		t.Fatalf("IsGreenlighted: %v", err)
	}
	if !ok {
		t.Fatalf("self-claim must mark the key settled")
	}

	// A late greenlight loses the race.
	mover.setBalance(testToken, testInventory, 1000)
	err = e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, amount, nonce)
	if !errors.Is(err, ErrAlreadyGreenlighted) {
		t.Fatalf("late greenlight: expected ErrAlreadyGreenlighted, got %v", err)
	}

	// The owner never fronted this withdrawal and cannot take the funds.
	err = e.Claim(ctx, testOwner, testToken, testBeneficiary, amount, nonce)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("owner claim after self-claim: expected ErrAlreadyClaimed, got %v", err)
	}

	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != DecisionClaimedByBeneficiary {
		t.Fatalf("decisions: got %v want [claimed_by_beneficiary]", kinds)
	}
}

func TestClaim_OwnerWithoutGreenlight(t *testing.T) {
	t.Parallel()

	e, _, verifier, _ := newTestEngine(t)
	ctx := context.Background()

	amount, nonce := big.NewInt(100), big.NewInt(1)
	verifier.markRelayed(testToken, testBeneficiary, amount, nonce)

	err := e.Claim(ctx, testOwner, testToken, testBeneficiary, amount, nonce)
	if !errors.Is(err, ErrNotGreenlighted) {
		t.Fatalf("expected ErrNotGreenlighted, got %v", err)
	}
}

func TestClaim_WrongBeneficiary(t *testing.T) {
	t.Parallel()

	e, _, verifier, _ := newTestEngine(t)
	ctx := context.Background()

	amount, nonce := big.NewInt(100), big.NewInt(1)
	verifier.markRelayed(testToken, testBeneficiary, amount, nonce)

	intruder := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	err := e.Claim(ctx, intruder, testToken, testBeneficiary, amount, nonce)
	if !errors.Is(err, ErrWrongBeneficiary) {
		t.Fatalf("expected ErrWrongBeneficiary, got %v", err)
	}
}

func TestClaim_TransferFailureRevertsTransition(t *testing.T) {
	t.Parallel()

	e, mover, verifier, _ := newTestEngine(t)
	mover.failTransfer = true
	ctx := context.Background()

	amount, nonce := big.NewInt(100), big.NewInt(1)
	verifier.markRelayed(testToken, testBeneficiary, amount, nonce)

	err := e.Claim(ctx, testBeneficiary, testToken, testBeneficiary, amount, nonce)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	ok, err := e.IsGreenlighted(ctx, testToken, testBeneficiary, amount, nonce)
	if err != nil {
		t.Fatalf("IsGreenlighted: %v", err)
	}
	if ok {
		t.Fatalf("failed claim must not leave the key settled")
	}

	// Retry succeeds once the escrow holds funds and the transfer works.
	mover.failTransfer = false
	mover.setBalance(testToken, escrowAccount, 500)
	if err := e.Claim(ctx, testBeneficiary, testToken, testBeneficiary, amount, nonce); err != nil {
		t.Fatalf("claim retry: %v", err)
	}
}

func TestEngine_ConcurrentRaceSettlesExactlyOnce(t *testing.T) {
	t.Parallel()

	e, mover, verifier, _ := newTestEngine(t)
	mover.setBalance(testToken, testInventory, 1000)
	mover.setBalance(testToken, escrowAccount, 1000)
	ctx := context.Background()

	amount, nonce := big.NewInt(100), big.NewInt(1)
	verifier.markRelayed(testToken, testBeneficiary, amount, nonce)

	var wg sync.WaitGroup
	var glErr, claimErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		glErr = e.Greenlight(ctx, testOwner, testToken, testInventory, testBeneficiary, amount, nonce)
	}()
	go func() {
		defer wg.Done()
		claimErr = e.Claim(ctx, testBeneficiary, testToken, testBeneficiary, amount, nonce)
	}()
	wg.Wait()

	if (glErr == nil) == (claimErr == nil) {
		t.Fatalf("exactly one of the racers must win: greenlight=%v claim=%v", glErr, claimErr)
	}
	if glErr != nil && !errors.Is(glErr, ErrAlreadyGreenlighted) {
		t.Fatalf("losing greenlight: expected ErrAlreadyGreenlighted, got %v", glErr)
	}
	if claimErr != nil && !errors.Is(claimErr, ErrAlreadyGreenlighted) {
		t.Fatalf("losing claim: expected ErrAlreadyGreenlighted, got %v", claimErr)
	}

	// Exactly one payment reached the beneficiary.
	if got := mover.balance(testToken, testBeneficiary); got.Cmp(amount) != 0 {
		t.Fatalf("beneficiary balance: got %s want %s", got, amount)
	}
}
