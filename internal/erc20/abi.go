package erc20

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("erc20: invalid input")

var (
	initOnce sync.Once
	initErr  error

	tokenABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		tokenABI, err = abi.JSON(strings.NewReader(tokenABIJSON))
		if err != nil {
			initErr = fmt.Errorf("erc20: parse token ABI: %w", err)
		}
	})
	return initErr
}

func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	b, err := tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("erc20: pack transfer calldata: %w", err)
	}
	return b, nil
}

func PackTransferFrom(from, to common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (from == common.Address{}) {
		return nil, fmt.Errorf("%w: from must be non-zero", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	b, err := tokenABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		return nil, fmt.Errorf("erc20: pack transferFrom calldata: %w", err)
	}
	return b, nil
}

func PackBalanceOf(account common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := tokenABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("erc20: pack balanceOf calldata: %w", err)
	}
	return b, nil
}

func UnpackBalance(data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	out, err := tokenABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("erc20: unpack balanceOf return: %w", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected balanceOf return type", ErrInvalidInput)
	}
	return bal, nil
}

const tokenABIJSON = `[
  {
    "inputs": [
      {"internalType":"address","name":"to","type":"address"},
      {"internalType":"uint256","name":"amount","type":"uint256"}
    ],
    "name":"transfer",
    "outputs":[{"internalType":"bool","name":"","type":"bool"}],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"address","name":"from","type":"address"},
      {"internalType":"address","name":"to","type":"address"},
      {"internalType":"uint256","name":"amount","type":"uint256"}
    ],
    "name":"transferFrom",
    "outputs":[{"internalType":"bool","name":"","type":"bool"}],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs": [
      {"internalType":"address","name":"account","type":"address"}
    ],
    "name":"balanceOf",
    "outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
    "stateMutability":"view",
    "type":"function"
  }
]`
