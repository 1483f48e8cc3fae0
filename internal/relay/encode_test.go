package relay

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestEncodeWithdrawCall_SelectorAndArgs(t *testing.T) {
	t.Parallel()

	beneficiary := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	amount := big.NewInt(100)

	call, err := EncodeWithdrawCall(beneficiary, amount)
	if err != nil {
		t.Fatalf("EncodeWithdrawCall: %v", err)
	}

	// Selector computed independently from the canonical signature.
	wantSel := crypto.Keccak256([]byte("withdraw(address,uint256)"))[:4]
	if len(call) < 4 || !bytes.Equal(call[:4], wantSel) {
		t.Fatalf("selector mismatch: got %x want %x", call[:4], wantSel)
	}

	addrTy := mustType(t, "address")
	uintTy := mustType(t, "uint256")
	args := abi.Arguments{{Type: addrTy}, {Type: uintTy}}
	vals, err := args.Unpack(call[4:])
	if err != nil {
		t.Fatalf("unpack args: %v", err)
	}
	if got := vals[0].(common.Address); got != beneficiary {
		t.Fatalf("beneficiary: got %s want %s", got, beneficiary)
	}
	if got := vals[1].(*big.Int); got.Cmp(amount) != 0 {
		t.Fatalf("amount: got %s want %s", got, amount)
	}
}

func TestEncodeRelayMessage_SelectorAndRoundTrip(t *testing.T) {
	t.Parallel()

	target := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	sender := common.HexToAddress("0x0000000000000000000000000000000000000c0c")
	message := []byte{0xde, 0xad, 0xbe, 0xef}
	nonce := big.NewInt(7)

	envelope, err := EncodeRelayMessage(target, sender, message, nonce)
	if err != nil {
		t.Fatalf("EncodeRelayMessage: %v", err)
	}

	wantSel := crypto.Keccak256([]byte("relayMessage(address,address,bytes,uint256)"))[:4]
	if len(envelope) < 4 || !bytes.Equal(envelope[:4], wantSel) {
		t.Fatalf("selector mismatch: got %x want %x", envelope[:4], wantSel)
	}

	addrTy := mustType(t, "address")
	bytesTy := mustType(t, "bytes")
	uintTy := mustType(t, "uint256")
	args := abi.Arguments{{Type: addrTy}, {Type: addrTy}, {Type: bytesTy}, {Type: uintTy}}
	vals, err := args.Unpack(envelope[4:])
	if err != nil {
		t.Fatalf("unpack envelope: %v", err)
	}
	if got := vals[0].(common.Address); got != target {
		t.Fatalf("target: got %s want %s", got, target)
	}
	if got := vals[1].(common.Address); got != sender {
		t.Fatalf("sender: got %s want %s", got, sender)
	}
	if got := vals[2].([]byte); !bytes.Equal(got, message) {
		t.Fatalf("message: got %x want %x", got, message)
	}
	if got := vals[3].(*big.Int); got.Cmp(nonce) != 0 {
		t.Fatalf("nonce: got %s want %s", got, nonce)
	}
}

func TestMessageHash_MatchesKeccak(t *testing.T) {
	t.Parallel()

	envelope := []byte("not a real envelope, hashing is still keccak256")
	if got, want := MessageHash(envelope), crypto.Keccak256Hash(envelope); got != want {
		t.Fatalf("hash mismatch: got %s want %s", got, want)
	}
}

func TestEncode_DistinctInputsDistinctEnvelopes(t *testing.T) {
	t.Parallel()

	target := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	sender := common.HexToAddress("0x0000000000000000000000000000000000000c0c")
	beneficiary := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	call, err := EncodeWithdrawCall(beneficiary, big.NewInt(100))
	if err != nil {
		t.Fatalf("EncodeWithdrawCall: %v", err)
	}

	base, err := EncodeRelayMessage(target, sender, call, big.NewInt(1))
	if err != nil {
		t.Fatalf("EncodeRelayMessage: %v", err)
	}
	otherNonce, err := EncodeRelayMessage(target, sender, call, big.NewInt(2))
	if err != nil {
		t.Fatalf("EncodeRelayMessage other nonce: %v", err)
	}
	if MessageHash(base) == MessageHash(otherNonce) {
		t.Fatalf("nonce change must change the message hash")
	}

	otherCall, err := EncodeWithdrawCall(beneficiary, big.NewInt(101))
	if err != nil {
		t.Fatalf("EncodeWithdrawCall other amount: %v", err)
	}
	otherAmount, err := EncodeRelayMessage(target, sender, otherCall, big.NewInt(1))
	if err != nil {
		t.Fatalf("EncodeRelayMessage other amount: %v", err)
	}
	if MessageHash(base) == MessageHash(otherAmount) {
		t.Fatalf("amount change must change the message hash")
	}
}

func TestEncode_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	beneficiary := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	if _, err := EncodeWithdrawCall(beneficiary, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil amount, got %v", err)
	}
	if _, err := EncodeWithdrawCall(beneficiary, big.NewInt(-1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative amount, got %v", err)
	}
	if _, err := EncodeRelayMessage(common.Address{}, common.Address{}, nil, big.NewInt(0)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty message, got %v", err)
	}
	if _, err := EncodeRelayMessage(common.Address{}, common.Address{}, []byte{0x01}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil nonce, got %v", err)
	}
}

func mustType(t *testing.T, name string) abi.Type {
	t.Helper()
	ty, err := abi.NewType(name, "", nil)
	if err != nil {
		t.Fatalf("abi.NewType(%q): %v", name, err)
	}
	return ty
}
