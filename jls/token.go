package jls

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2s"

	"github.com/bridgefall/veilquic/internal/tai64n"
)

// TokenSize is the wire size of the camouflage token. Without the
// pre-shared secret the token is a keyed blake2s output and therefore
// indistinguishable from the random extension fill around it.
const TokenSize = 32

// RandomSize is the size of the per-attempt client random bound into
// the token.
const RandomSize = 16

// Role identifies which side of a handshake derived a token. Client
// and server tokens differ so a reflected token never validates.
type Role byte

const (
	RoleClient Role = 1
	RoleServer Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

const tokenLabel = "vq-auth-token"

// ProduceToken derives the camouflage token for one handshake attempt.
// Deterministic given the pre-shared secret and the freshness material
// (whitened timestamp plus attempt random).
func ProduceToken(psk [KeySize]byte, role Role, connID uint64, ts tai64n.Timestamp, random [RandomSize]byte) [TokenSize]byte {
	var out [TokenSize]byte
	key := DeriveKey(tokenLabel, psk[:])
	h, err := blake2s.New256(key[:])
	if err != nil {
		// blake2s only errors on oversized keys; key is fixed 32 bytes
		panic(err)
	}
	var idBuf [9]byte
	idBuf[0] = byte(role)
	binary.BigEndian.PutUint64(idBuf[1:], connID)
	h.Write(idBuf[:])
	h.Write(ts[:])
	h.Write(random[:])
	copy(out[:], h.Sum(nil))
	return out
}

// Validate checks a received token against the expected derivation and
// the freshness window. The expected token is always computed and
// always compared, and the freshness check always runs, so the work
// done does not depend on the outcome.
func Validate(psk [KeySize]byte, role Role, connID uint64, ts tai64n.Timestamp, random [RandomSize]byte, token []byte, now time.Time, skew time.Duration) Outcome {
	expected := ProduceToken(psk, role, connID, ts, random)

	tokenOK := 0
	if len(token) == TokenSize {
		tokenOK = subtle.ConstantTimeCompare(expected[:], token)
	} else {
		// Burn the comparison anyway so malformed input costs the same.
		subtle.ConstantTimeCompare(expected[:], expected[:])
	}

	freshOK := 1
	age := now.Sub(ts.Time())
	if age < 0 {
		age = -age
	}
	if age > skew {
		freshOK = 0
	}

	if tokenOK&freshOK == 1 {
		return Authenticated
	}
	return Rejected
}

// Fingerprint derives the anti-replay fingerprint of a handshake
// attempt from its freshness material and token.
func Fingerprint(ts tai64n.Timestamp, random [RandomSize]byte, token []byte) [32]byte {
	tokenHash := sha256.Sum256(token)
	buf := make([]byte, 0, tai64n.TimestampSize+RandomSize+len(tokenHash))
	buf = append(buf, ts[:]...)
	buf = append(buf, random[:]...)
	buf = append(buf, tokenHash[:]...)
	return sha256.Sum256(buf)
}

// SessionKeys holds the directional packet keys of a connection.
type SessionKeys struct {
	ClientToServer [KeySize]byte
	ServerToClient [KeySize]byte
}

// DeriveSessionKeys derives the directional packet keys from the
// pre-shared secret and both attempt randoms. A fresh 1-RTT attempt
// after a demotion uses new randoms and therefore fresh keys.
func DeriveSessionKeys(psk [KeySize]byte, connID uint64, clientRandom, serverRandom [RandomSize]byte) SessionKeys {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], connID)
	return SessionKeys{
		ClientToServer: DeriveKey("vq-key-c2s", psk[:], idBuf[:], clientRandom[:], serverRandom[:]),
		ServerToClient: DeriveKey("vq-key-s2c", psk[:], idBuf[:], clientRandom[:], serverRandom[:]),
	}
}

// DeriveEarlyKeys derives the 0-RTT packet keys from a resumption
// secret. Only the client-to-server direction carries early data.
func DeriveEarlyKeys(resumption [KeySize]byte, connID uint64, clientRandom [RandomSize]byte) SessionKeys {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], connID)
	return SessionKeys{
		ClientToServer: DeriveKey("vq-key-early-c2s", resumption[:], idBuf[:], clientRandom[:]),
		ServerToClient: DeriveKey("vq-key-early-s2c", resumption[:], idBuf[:], clientRandom[:]),
	}
}
