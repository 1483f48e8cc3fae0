package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller is the read-only EVM surface the oracle needs. Satisfied by
// *ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthOracle reads successfulMessages(bytes32) from the L1 messenger contract.
type EthOracle struct {
	caller    ContractCaller
	messenger common.Address
}

func NewEthOracle(caller ContractCaller, messenger common.Address) (*EthOracle, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: nil contract caller", ErrInvalidConfig)
	}
	if (messenger == common.Address{}) {
		return nil, fmt.Errorf("%w: zero messenger address", ErrInvalidConfig)
	}
	return &EthOracle{caller: caller, messenger: messenger}, nil
}

func (o *EthOracle) SuccessfulMessage(ctx context.Context, h common.Hash) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}

	data, err := messengerABI.Pack("successfulMessages", h)
	if err != nil {
		return false, fmt.Errorf("relay: pack successfulMessages call: %w", err)
	}
	out, err := o.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &o.messenger,
		Data: data,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("relay: call messenger %s: %w", o.messenger, err)
	}

	vals, err := messengerABI.Unpack("successfulMessages", out)
	if err != nil {
		return false, fmt.Errorf("relay: unpack successfulMessages result: %w", err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("relay: unexpected successfulMessages result arity %d", len(vals))
	}
	ok, isBool := vals[0].(bool)
	if !isBool {
		return false, fmt.Errorf("relay: unexpected successfulMessages result type %T", vals[0])
	}
	return ok, nil
}
