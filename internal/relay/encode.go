package relay

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidInput = errors.New("relay: invalid input")

var (
	initOnce sync.Once
	initErr  error

	withdrawABI  abi.ABI
	messengerABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		withdrawABI, err = abi.JSON(strings.NewReader(withdrawABIJSON))
		if err != nil {
			initErr = fmt.Errorf("relay: parse withdraw ABI: %w", err)
			return
		}
		messengerABI, err = abi.JSON(strings.NewReader(messengerABIJSON))
		if err != nil {
			initErr = fmt.Errorf("relay: parse messenger ABI: %w", err)
			return
		}
	})
	return initErr
}

// EncodeWithdrawCall reproduces the calldata the cross-domain messenger
// executes against the L1 deposit box: withdraw(beneficiary, amount).
//
// This must stay bit-identical to what the L2 mirror encodes when the user
// withdraws; any drift makes already-sent messages unverifiable forever.
func EncodeWithdrawCall(beneficiary common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be >= 0", ErrInvalidInput)
	}

	b, err := withdrawABI.Pack("withdraw", beneficiary, amount)
	if err != nil {
		return nil, fmt.Errorf("relay: pack withdraw call: %w", err)
	}
	return b, nil
}

// EncodeRelayMessage wraps an encoded call into the messenger's relay
// envelope: relayMessage(target, sender, message, messageNonce).
func EncodeRelayMessage(target, sender common.Address, message []byte, nonce *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(message) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if nonce == nil || nonce.Sign() < 0 {
		return nil, fmt.Errorf("%w: nonce must be >= 0", ErrInvalidInput)
	}

	b, err := messengerABI.Pack("relayMessage", target, sender, message, nonce)
	if err != nil {
		return nil, fmt.Errorf("relay: pack relay envelope: %w", err)
	}
	return b, nil
}

// MessageHash is the hash the messenger records for a relayed envelope.
func MessageHash(envelope []byte) common.Hash {
	return crypto.Keccak256Hash(envelope)
}

const withdrawABIJSON = `[
  {
    "inputs": [
      {"internalType":"address","name":"to","type":"address"},
      {"internalType":"uint256","name":"amount","type":"uint256"}
    ],
    "name":"withdraw",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`

const messengerABIJSON = `[
  {
    "inputs": [
      {"internalType":"address","name":"target","type":"address"},
      {"internalType":"address","name":"sender","type":"address"},
      {"internalType":"bytes","name":"message","type":"bytes"},
      {"internalType":"uint256","name":"messageNonce","type":"uint256"}
    ],
    "name":"relayMessage",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"bytes32","name":"","type":"bytes32"}
    ],
    "name":"successfulMessages",
    "outputs":[
      {"internalType":"bool","name":"","type":"bool"}
    ],
    "stateMutability":"view",
    "type":"function"
  }
]`
