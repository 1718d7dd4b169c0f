package jls

import (
	"time"

	"github.com/bridgefall/veilquic/internal/tai64n"
)

// Outcome is the result of validating one handshake attempt.
type Outcome int

const (
	Pending Outcome = iota
	Authenticated
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// AuthContext is per-attempt scratch state. It lives for exactly one
// handshake attempt and is discarded once the connection is
// established or rejected.
type AuthContext struct {
	Role        Role
	Outcome     Outcome
	Timestamp   tai64n.Timestamp
	Random      [RandomSize]byte
	Token       [TokenSize]byte
	Fingerprint [32]byte
	StartedAt   time.Time
}

// NewAuthContext starts scratch state for one attempt.
func NewAuthContext(role Role, now time.Time) *AuthContext {
	return &AuthContext{
		Role:      role,
		Outcome:   Pending,
		StartedAt: now,
	}
}
