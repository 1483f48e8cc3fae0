package audit

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exitpool-labs/exitpool/internal/settlement"
)

// Archive keeps a durable copy of every settlement decision. A withdrawal key
// sees at most one greenlight and one claim, so object keys derived from
// (key, kind) never collide.
type Archive struct {
	store Store
}

func NewArchive(store Store) (*Archive, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &Archive{store: store}, nil
}

// RecordDecision archives d as the canonical decision event JSON.
func (a *Archive) RecordDecision(ctx context.Context, d settlement.Decision) error {
	payload, err := settlement.EncodeDecisionEvent(d)
	if err != nil {
		return err
	}
	return a.store.Put(ctx, decisionKey(d.Key, d.Kind), payload)
}

// Decision returns the archived event payload for (key, kind), or ErrNotFound.
func (a *Archive) Decision(ctx context.Context, key common.Hash, kind settlement.DecisionKind) ([]byte, error) {
	return a.store.Get(ctx, decisionKey(key, kind))
}

func decisionKey(key common.Hash, kind settlement.DecisionKind) string {
	return fmt.Sprintf("decisions/%s/%s.json", key.Hex(), kind)
}
