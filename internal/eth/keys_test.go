package eth

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestParsePrivateKeyHex(t *testing.T) {
	key, err := ParsePrivateKeyHex("0x" + testPayoutKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	if (crypto.PubkeyToAddress(key.PublicKey) == [20]byte{}) {
		t.Fatalf("derived zero address")
	}

	// Unprefixed input is accepted too.
	if _, err := ParsePrivateKeyHex(testPayoutKeyHex); err != nil {
		t.Fatalf("unprefixed: %v", err)
	}
}

func TestParsePrivateKeyHex_RejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "  ", "0x", "0x1234", "zz"} {
		if _, err := ParsePrivateKeyHex(in); !errors.Is(err, ErrInvalidPrivateKey) {
			t.Fatalf("input %q: expected ErrInvalidPrivateKey, got %v", in, err)
		}
	}
}
