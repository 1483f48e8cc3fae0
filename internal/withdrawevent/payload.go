package withdrawevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/exitpool-labs/exitpool/internal/settlement"
)

// PayloadVersion tags observed-withdrawal queue records.
const PayloadVersion = "withdrawals.observed.v1"

var ErrInvalidPayload = errors.New("withdrawevent: invalid payload")

// Payload is the queue record the L2 watcher publishes when a user initiates a
// withdrawal. Amount and nonce are decimal strings so uint256 values survive
// JSON without precision loss.
type Payload struct {
	Version     string `json:"version"`
	Token       string `json:"token"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Nonce       string `json:"nonce"`
	Key         string `json:"key,omitempty"`
}

func Encode(w settlement.Withdrawal) ([]byte, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	p := Payload{
		Version:     PayloadVersion,
		Token:       w.Token.Hex(),
		Beneficiary: w.Beneficiary.Hex(),
		Amount:      w.Amount.String(),
		Nonce:       w.Nonce.String(),
		Key:         w.Key().Hex(),
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("withdrawevent: marshal payload: %w", err)
	}
	return b, nil
}

// Decode parses and validates an observed-withdrawal record. Unknown fields
// are rejected; when the producer included a key it must match the one derived
// from the withdrawal fields.
func Decode(data []byte) (settlement.Withdrawal, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return settlement.Withdrawal{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Version != PayloadVersion {
		return settlement.Withdrawal{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidPayload, p.Version)
	}
	if !common.IsHexAddress(p.Token) || !common.IsHexAddress(p.Beneficiary) {
		return settlement.Withdrawal{}, fmt.Errorf("%w: malformed address", ErrInvalidPayload)
	}

	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return settlement.Withdrawal{}, fmt.Errorf("%w: malformed amount %q", ErrInvalidPayload, p.Amount)
	}
	nonce, ok := new(big.Int).SetString(p.Nonce, 10)
	if !ok {
		return settlement.Withdrawal{}, fmt.Errorf("%w: malformed nonce %q", ErrInvalidPayload, p.Nonce)
	}

	w := settlement.Withdrawal{
		Token:       common.HexToAddress(p.Token),
		Beneficiary: common.HexToAddress(p.Beneficiary),
		Amount:      amount,
		Nonce:       nonce,
	}
	if err := w.Validate(); err != nil {
		return settlement.Withdrawal{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Key != "" && common.HexToHash(p.Key) != w.Key() {
		return settlement.Withdrawal{}, fmt.Errorf("%w: key does not match withdrawal fields", ErrInvalidPayload)
	}
	return w, nil
}
