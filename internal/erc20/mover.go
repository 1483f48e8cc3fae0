package erc20

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/exitpool-labs/exitpool/internal/eth"
)

var (
	ErrInvalidMoverConfig = errors.New("erc20: invalid mover config")
	ErrTransferReverted   = errors.New("erc20: transfer reverted")
)

// Sender broadcasts a transaction and blocks until it is mined. Satisfied by
// *eth.Relayer.
type Sender interface {
	SendAndWaitMined(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
}

// Mover executes ERC-20 transfers on L1 through the escrow relayer account.
//
// Transfer spends the relayer account's own token holdings; TransferFrom
// spends an allowance a third party granted to the relayer account. A mined
// transaction with receipt status 0 is a reverted token call (insufficient
// balance or allowance) and surfaces as ErrTransferReverted.
type Mover struct {
	sender Sender
	log    *slog.Logger
}

func NewMover(sender Sender, log *slog.Logger) (*Mover, error) {
	if sender == nil {
		return nil, ErrInvalidMoverConfig
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Mover{sender: sender, log: log}, nil
}

func (m *Mover) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if (token == common.Address{}) || (to == common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidMoverConfig)
	}
	data, err := PackTransfer(to, amount)
	if err != nil {
		return err
	}
	return m.send(ctx, token, data, "transfer")
}

func (m *Mover) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	if (token == common.Address{}) || (to == common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidMoverConfig)
	}
	data, err := PackTransferFrom(from, to, amount)
	if err != nil {
		return err
	}
	return m.send(ctx, token, data, "transferFrom")
}

func (m *Mover) send(ctx context.Context, token common.Address, data []byte, op string) error {
	res, err := m.sender.SendAndWaitMined(ctx, eth.TxRequest{
		To:   token,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("erc20: %s: %w", op, err)
	}
	if res.Receipt == nil || res.Receipt.Status != types.ReceiptStatusSuccessful {
		m.log.Warn("token call reverted", "op", op, "token", token, "tx", res.TxHash)
		return fmt.Errorf("%w: %s tx %s", ErrTransferReverted, op, res.TxHash)
	}
	m.log.Info("token call mined", "op", op, "token", token, "tx", res.TxHash)
	return nil
}
