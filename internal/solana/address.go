package solana

import (
	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	"solana-custody-engine/internal/errcode"
)

// DecodeAddress decodes a base58 address and verifies it is 32 bytes.
func DecodeAddress(address string) ([]byte, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidAddress, err, "decode address %q", address)
	}
	if len(raw) != 32 {
		return nil, errcode.New(errcode.InvalidAddress, "address %q is %d bytes, want 32", address, len(raw))
	}
	return raw, nil
}

// ValidAddress reports whether address is a syntactically valid Solana
// public key.
func ValidAddress(address string) bool {
	_, err := DecodeAddress(address)
	return err == nil
}

// OnCurve reports whether the address is a valid ed25519 curve point.
// Wallet addresses are on-curve; program-derived addresses are not.
func OnCurve(address string) (bool, error) {
	raw, err := DecodeAddress(address)
	if err != nil {
		return false, err
	}
	_, err = new(edwards25519.Point).SetBytes(raw)
	return err == nil, nil
}

// EncodeAddress encodes a 32-byte public key as base58.
func EncodeAddress(raw []byte) string {
	return base58.Encode(raw)
}
