package jls

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of all symmetric keys and secrets in this package.
const KeySize = 32

// GenerateKey returns 32 random bytes for use as a pre-shared or
// ticket key.
func GenerateKey() ([KeySize]byte, error) {
	var out [KeySize]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeKeyBase64 decodes a base64 key into a 32-byte array.
func DecodeKeyBase64(val string) ([KeySize]byte, error) {
	var out [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return out, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("invalid key length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// EncodeKeyBase64 encodes a 32-byte key as base64.
func EncodeKeyBase64(key [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DerivePublicKey returns the Curve25519 public key for a private key.
func DerivePublicKey(privateKey [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	pub, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return out, err
	}
	if len(pub) != len(out) {
		return out, fmt.Errorf("unexpected public key length %d", len(pub))
	}
	copy(out[:], pub)
	return out, nil
}
