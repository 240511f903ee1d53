// Package crypto provides the signing, verification and hashing primitives
// of the secure operation protocol: Ed25519 signatures over canonical
// payloads, keccak-256 identifiers, and address derivation.
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

// Keccak256 hashes the concatenation of the given byte slices.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Keccak256Hex returns the 0x-hex keccak-256 of the input.
func Keccak256Hex(data ...[]byte) string {
	return "0x" + hex.EncodeToString(Keccak256(data...))
}

// OperationTypeID derives the stable identifier of an operation type from
// its name string.
func OperationTypeID(name string) contracts.OperationTypeID {
	return contracts.OperationTypeID(Keccak256Hex([]byte(name)))
}

// SelectorFor derives the 4-byte function selector for a function signature
// string such as "withdrawEth(address,uint256)".
func SelectorFor(signature string) contracts.Selector {
	return contracts.Selector("0x" + hex.EncodeToString(Keccak256([]byte(signature))[:4]))
}

// AddressFromPublicKey derives the account address of an Ed25519 public key:
// the last 20 bytes of its keccak-256, 0x-hex encoded.
func AddressFromPublicKey(pub ed25519.PublicKey) contracts.Address {
	sum := Keccak256(pub)
	return contracts.Address("0x" + hex.EncodeToString(sum[len(sum)-20:])).Normalize()
}
