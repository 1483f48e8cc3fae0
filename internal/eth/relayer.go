package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrInvalidRelayerConfig = errors.New("eth: invalid relayer config")

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type RelayerConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// Relayer signs and broadcasts transactions from the escrow inventory account
// and waits for them to be mined.
//
// All escrow payouts flow through a single account, so the relayer carries one
// signer and one process-local nonce manager. Stuck transactions are an
// operational concern (top up the account, or restart with a higher MinTipCap);
// the relayer itself never broadcasts replacements.
type Relayer struct {
	backend Backend
	signer  Signer
	nonces  *NonceManager
	cfg     RelayerConfig
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

type SendResult struct {
	From    common.Address
	Nonce   uint64
	TxHash  common.Hash
	Receipt *types.Receipt
}

func NewRelayer(backend Backend, signer Signer, cfg RelayerConfig) (*Relayer, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidRelayerConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, ErrInvalidRelayerConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidRelayerConfig
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, ErrInvalidRelayerConfig
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidRelayerConfig
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, ErrInvalidRelayerConfig
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Relayer{
		backend: backend,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
		cfg:     cfg,
	}, nil
}

// From returns the account transactions are sent from.
func (r *Relayer) From() common.Address { return r.signer.Address() }

// SendAndWaitMined signs req, broadcasts it, and polls until a receipt exists
// or ctx is done.
func (r *Relayer) SendAndWaitMined(ctx context.Context, req TxRequest) (SendResult, error) {
	from := r.signer.Address()

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return SendResult{}, err
		}
		gasLimit = applyGasMultiplier(est, r.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := r.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return SendResult{}, err
	}
	header, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return SendResult{}, err
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return SendResult{}, fmt.Errorf("eth: missing baseFee in latest header")
	}

	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, r.cfg.MinTipCap)
	if err != nil {
		return SendResult{}, err
	}

	nonce, err := r.nonces.Next(ctx)
	if err != nil {
		return SendResult{}, err
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   r.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := r.signer.SignTx(tx, r.cfg.ChainID)
	if err != nil {
		return SendResult{}, err
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		// The reserved nonce never reached the chain; release it so the next
		// payout re-reads the pending nonce instead of sending past a gap.
		r.nonces.Forget()
		return SendResult{}, err
	}
	h := signed.Hash()

	for {
		receipt, err := r.backend.TransactionReceipt(ctx, h)
		if err == nil {
			return SendResult{
				From:    from,
				Nonce:   nonce,
				TxHash:  h,
				Receipt: receipt,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return SendResult{}, err
		}

		if err := r.cfg.Sleep(ctx, r.cfg.ReceiptPollInterval); err != nil {
			return SendResult{}, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
