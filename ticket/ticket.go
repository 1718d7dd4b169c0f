// Package ticket implements session resumption for 0-RTT handshakes:
// server-side issuance of sealed tickets and the client-side cache
// with the eligibility predicate that gates 0-RTT attempts.
package ticket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/bridgefall/veilquic/jls"
)

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrExpiredTicket = errors.New("expired ticket")
)

// IDSize is the size of the ticket identifier carried in a 0-RTT hello.
const IDSize = 16

const (
	ticketVersion = 1
	sealLabel     = "vq-ticket-seal"
	ticketAD      = "vq-ticket-v1"

	// version(1) + id(16) + secret(32) + issued(8) + lifetime(4) + maxUses(2)
	plaintextSize = 1 + IDSize + jls.KeySize + 8 + 4 + 2
)

// Ticket is the resumption state shared between one client and one
// server. The secret feeds the 0-RTT key derivation; it is never the
// pre-shared key itself.
type Ticket struct {
	ID       [IDSize]byte
	Secret   [jls.KeySize]byte
	IssuedAt time.Time
	Lifetime time.Duration
	MaxUses  int
}

// Expired reports whether the validity window has elapsed at now.
func (t Ticket) Expired(now time.Time) bool {
	return !now.Before(t.IssuedAt.Add(t.Lifetime))
}

// Issuer seals and opens tickets under a server-held key. Tickets are
// stateless on the server; double-spend is closed by the anti-replay
// store, not by issuer bookkeeping.
type Issuer struct {
	key      [jls.KeySize]byte
	validity time.Duration
	maxUses  int
}

// NewIssuer creates an issuer with the given policy.
func NewIssuer(key [jls.KeySize]byte, validity time.Duration, maxUses int) *Issuer {
	if validity <= 0 {
		validity = 6 * time.Hour
	}
	if maxUses <= 0 {
		maxUses = 8
	}
	return &Issuer{key: key, validity: validity, maxUses: maxUses}
}

// Issue mints a fresh ticket and its sealed wire form.
func (i *Issuer) Issue(now time.Time) (Ticket, []byte, error) {
	t := Ticket{
		IssuedAt: now,
		Lifetime: i.validity,
		MaxUses:  i.maxUses,
	}
	if _, err := rand.Read(t.ID[:]); err != nil {
		return Ticket{}, nil, err
	}
	if _, err := rand.Read(t.Secret[:]); err != nil {
		return Ticket{}, nil, err
	}
	sealed, err := i.Seal(t)
	if err != nil {
		return Ticket{}, nil, err
	}
	return t, sealed, nil
}

// Seal encrypts a ticket for the wire.
func (i *Issuer) Seal(t Ticket) ([]byte, error) {
	plaintext := make([]byte, plaintextSize)
	plaintext[0] = ticketVersion
	off := 1
	off += copy(plaintext[off:], t.ID[:])
	off += copy(plaintext[off:], t.Secret[:])
	issued := t.IssuedAt.Unix()
	if issued < 0 {
		return nil, ErrInvalidTicket
	}
	binary.BigEndian.PutUint64(plaintext[off:], uint64(issued))
	off += 8
	binary.BigEndian.PutUint32(plaintext[off:], uint32(t.Lifetime/time.Second))
	off += 4
	binary.BigEndian.PutUint16(plaintext[off:], uint16(t.MaxUses))

	key := jls.DeriveKey(sealLabel, i.key[:])
	return jls.SealRandomNonce(key, plaintext, []byte(ticketAD))
}

// Open decrypts a sealed ticket and enforces its validity window.
func (i *Issuer) Open(sealed []byte, now time.Time) (Ticket, error) {
	key := jls.DeriveKey(sealLabel, i.key[:])
	plaintext, err := jls.OpenRandomNonce(key, sealed, []byte(ticketAD))
	if err != nil {
		return Ticket{}, ErrInvalidTicket
	}
	if len(plaintext) != plaintextSize || plaintext[0] != ticketVersion {
		return Ticket{}, ErrInvalidTicket
	}
	var t Ticket
	off := 1
	off += copy(t.ID[:], plaintext[off:off+IDSize])
	off += copy(t.Secret[:], plaintext[off:off+jls.KeySize])
	t.IssuedAt = time.Unix(int64(binary.BigEndian.Uint64(plaintext[off:])), 0)
	off += 8
	t.Lifetime = time.Duration(binary.BigEndian.Uint32(plaintext[off:])) * time.Second
	off += 4
	t.MaxUses = int(binary.BigEndian.Uint16(plaintext[off:]))

	if t.Expired(now) {
		return Ticket{}, ErrExpiredTicket
	}
	return t, nil
}
