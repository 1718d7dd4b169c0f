package jls

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// The crypto adapter: labeled key derivation plus AEAD seal/open. The
// rest of the core treats these as opaque primitives.

var errCiphertextTooShort = errors.New("ciphertext too short")

// DeriveKey derives a 32-byte key from a label and input material.
func DeriveKey(label string, inputs ...[]byte) [KeySize]byte {
	size := len(label)
	for _, in := range inputs {
		size += len(in)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, []byte(label)...)
	for _, in := range inputs {
		buf = append(buf, in...)
	}
	return blake2s.Sum256(buf)
}

// SealRandomNonce encrypts plaintext under key with a random XChaCha20
// nonce prepended to the output. Used for at-rest artifacts such as
// session tickets.
func SealRandomNonce(key [KeySize]byte, plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, additional), nil
}

// OpenRandomNonce reverses SealRandomNonce.
func OpenRandomNonce(key [KeySize]byte, data, additional []byte) ([]byte, error) {
	if len(data) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, errCiphertextTooShort
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:], additional)
}

// PacketSealer seals and opens data packets with a counter nonce. Each
// direction of a connection holds its own sealer; nonce uniqueness is
// guaranteed by the packet number.
type PacketSealer struct {
	aead cipher.AEAD
}

// NewPacketSealer builds a sealer from a direction key.
func NewPacketSealer(key [KeySize]byte) (*PacketSealer, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &PacketSealer{aead: aead}, nil
}

// Overhead is the sealing overhead per packet.
func (s *PacketSealer) Overhead() int {
	return s.aead.Overhead()
}

// Seal encrypts plaintext bound to the packet number and header.
func (s *PacketSealer) Seal(pn uint64, header, plaintext []byte) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], pn)
	return s.aead.Seal(nil, nonce[:], plaintext, header)
}

// Open decrypts a packet payload bound to the packet number and header.
func (s *PacketSealer) Open(pn uint64, header, ciphertext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], pn)
	return s.aead.Open(nil, nonce[:], ciphertext, header)
}
