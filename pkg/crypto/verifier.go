package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

// Verify checks a hex-encoded signature against a hex-encoded public key and
// the raw message bytes that were signed.
func Verify(pubKeyHex, sigHex string, message []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), message, sig), nil
}

// RecoverAddress returns the account address behind a hex-encoded public key.
// Combined with Verify this gives recover-and-compare semantics: verify the
// signature against the supplied key, then compare the key's address with
// the required signer.
func RecoverAddress(pubKeyHex string) (contracts.Address, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key size: %d", len(pubKey))
	}
	return AddressFromPublicKey(ed25519.PublicKey(pubKey)), nil
}
