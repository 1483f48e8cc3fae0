package audit

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exitpool-labs/exitpool/internal/settlement"
)

func testDecision() settlement.Decision {
	w := settlement.Withdrawal{
		Token:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Beneficiary: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Amount:      big.NewInt(100),
		Nonce:       big.NewInt(7),
	}
	return settlement.Decision{
		Kind:       settlement.DecisionGreenlighted,
		Key:        w.Key(),
		Withdrawal: w,
		Caller:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Inventory:  common.HexToAddress("0x4444444444444444444444444444444444444444"),
		At:         time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestArchive_RecordAndFetchDecision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewStore(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a, err := NewArchive(store)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}

	d := testDecision()
	if err := a.RecordDecision(ctx, d); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	payload, err := a.Decision(ctx, d.Key, d.Kind)
	if err != nil {
		t.Fatalf("Decision: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["kind"] != string(settlement.DecisionGreenlighted) {
		t.Fatalf("kind: got %v", got["kind"])
	}
	if got["key"] != d.Key.Hex() {
		t.Fatalf("key: got %v", got["key"])
	}

	// A claim on the same withdrawal archives under its own object key.
	if _, err := a.Decision(ctx, d.Key, settlement.DecisionClaimedByOwner); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unarchived kind, got %v", err)
	}
}

func TestArchive_RejectsInvalidDecision(t *testing.T) {
	t.Parallel()

	store, err := NewStore(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a, err := NewArchive(store)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}

	d := testDecision()
	d.Kind = ""
	if err := a.RecordDecision(context.Background(), d); !errors.Is(err, settlement.ErrInvalidConfig) {
		t.Fatalf("expected settlement.ErrInvalidConfig, got %v", err)
	}
}

func TestNewArchive_RequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := NewArchive(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
