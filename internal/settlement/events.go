package settlement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DecisionEventVersion tags queue payloads produced by EncodeDecisionEvent.
const DecisionEventVersion = "settlement.decision.v1"

// EncodeDecisionEvent serializes a committed decision for the settlement
// events topic.
func EncodeDecisionEvent(d Decision) ([]byte, error) {
	if d.Kind == "" {
		return nil, fmt.Errorf("%w: missing decision kind", ErrInvalidConfig)
	}
	if err := d.Withdrawal.Validate(); err != nil {
		return nil, err
	}

	out := struct {
		Version     string `json:"version"`
		Kind        string `json:"kind"`
		Key         string `json:"key"`
		Token       string `json:"token"`
		Beneficiary string `json:"beneficiary"`
		Amount      string `json:"amount"`
		Nonce       string `json:"nonce"`
		Caller      string `json:"caller"`
		Inventory   string `json:"inventory,omitempty"`
		At          string `json:"at"`
	}{
		Version:     DecisionEventVersion,
		Kind:        string(d.Kind),
		Key:         d.Key.Hex(),
		Token:       d.Withdrawal.Token.Hex(),
		Beneficiary: d.Withdrawal.Beneficiary.Hex(),
		Amount:      d.Withdrawal.Amount.String(),
		Nonce:       d.Withdrawal.Nonce.String(),
		Caller:      d.Caller.Hex(),
		At:          d.At.UTC().Format(time.RFC3339),
	}
	if (d.Inventory != common.Address{}) {
		out.Inventory = d.Inventory.Hex()
	}
	return json.Marshal(out)
}
