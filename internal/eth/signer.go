package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSigner = errors.New("eth: invalid signer")

// Signer signs the escrow's payout transactions. All payouts leave from one
// from-address; LocalSigner holds that key in process, and deployments that
// keep it in an HSM substitute their own implementation.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner signs with an in-process secp256k1 key, typically loaded via
// ParsePrivateKeyHex from a secret reference.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil {
		return nil, fmt.Errorf("%w: no key loaded", ErrInvalidSigner)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrInvalidSigner)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidSigner)
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
