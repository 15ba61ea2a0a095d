package chain

import (
	"fmt"

	"PaymentProcessor/internal/models"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// EncodeAddress bech32-encodes a raw 20-byte account hash.
func EncodeAddress(prefix string, payload []byte) (models.Address, error) {
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	addr, err := bech32.Encode(prefix, converted)
	if err != nil {
		return "", err
	}
	return models.Address(addr), nil
}

// ValidateAddress checks the bech32 checksum and, when prefix is set, the
// human-readable part.
func ValidateAddress(addr models.Address, prefix string) error {
	if addr.IsZero() {
		return models.Invalid("address", "is empty")
	}
	hrp, _, err := bech32.Decode(string(addr))
	if err != nil {
		return &models.ValidationError{Field: "address", Reason: fmt.Sprintf("%q is not bech32", addr), Cause: err}
	}
	if prefix != "" && hrp != prefix {
		return models.Invalid("address", fmt.Sprintf("%q has prefix %q, want %q", addr, hrp, prefix))
	}
	return nil
}
