package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON serializes v to RFC 8785 (JCS) canonical JSON. Two
// structurally equal values always produce identical bytes, which makes the
// result safe to hash and sign.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform: %w", err)
	}
	return canonical, nil
}

// CanonicalDigest returns the 0x-hex keccak-256 of v's canonical JSON form.
func CanonicalDigest(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return Keccak256Hex(canonical), nil
}
