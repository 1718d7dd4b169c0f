package ticket

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/bridgefall/veilquic/jls"
)

// Cache is the client-side ticket store keyed by server identity.
// A new ticket replaces any prior one for the same identity; tickets
// are single-use-limited so no versioning is needed. Safe for
// concurrent use by many connections.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cached
}

type cached struct {
	ticket Ticket
	sealed []byte
	uses   int
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cached)}
}

// Put stores a ticket for identity, most-recent-wins.
func (c *Cache) Put(identity string, t Ticket, sealed []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[identity] = &cached{
		ticket: t,
		sealed: append([]byte(nil), sealed...),
	}
}

// Eligible reports whether a 0-RTT attempt toward identity may be made
// at now: a ticket exists, its validity window has not elapsed, and its
// use budget is not exhausted. Read-only; Take consumes a use.
func (c *Cache) Eligible(identity string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identity]
	if !ok {
		return false
	}
	return c.usableLocked(identity, e, now)
}

// Take atomically checks eligibility and consumes one use, returning
// the ticket and its sealed form. The caller demotes to 1-RTT when ok
// is false.
func (c *Cache) Take(identity string, now time.Time) (Ticket, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identity]
	if !ok || !c.usableLocked(identity, e, now) {
		return Ticket{}, nil, false
	}
	e.uses++
	return e.ticket, append([]byte(nil), e.sealed...), true
}

// Drop removes the ticket for identity. Used when the server declines
// a resumption attempt, so the next dial goes straight to 1-RTT.
func (c *Cache) Drop(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, identity)
}

func (c *Cache) usableLocked(identity string, e *cached, now time.Time) bool {
	if e.ticket.Expired(now) || e.uses >= e.ticket.MaxUses {
		delete(c.entries, identity)
		return false
	}
	return true
}

type persistTicket struct {
	Identity string `cbor:"1,keyasint"`
	ID       []byte `cbor:"2,keyasint"`
	Secret   []byte `cbor:"3,keyasint"`
	IssuedAt int64  `cbor:"4,keyasint"`
	Lifetime int64  `cbor:"5,keyasint"`
	MaxUses  int    `cbor:"6,keyasint"`
	Uses     int    `cbor:"7,keyasint"`
	Sealed   []byte `cbor:"8,keyasint"`
}

type persistCache struct {
	Version int             `cbor:"0,keyasint"`
	Tickets []persistTicket `cbor:"1,keyasint"`
}

const persistVersion = 1

// Save writes non-expired tickets as an opaque CBOR snapshot.
func (c *Cache) Save(w io.Writer, now time.Time) error {
	c.mu.Lock()
	file := persistCache{Version: persistVersion}
	for identity, e := range c.entries {
		if e.ticket.Expired(now) || e.uses >= e.ticket.MaxUses {
			continue
		}
		file.Tickets = append(file.Tickets, persistTicket{
			Identity: identity,
			ID:       append([]byte(nil), e.ticket.ID[:]...),
			Secret:   append([]byte(nil), e.ticket.Secret[:]...),
			IssuedAt: e.ticket.IssuedAt.Unix(),
			Lifetime: int64(e.ticket.Lifetime / time.Second),
			MaxUses:  e.ticket.MaxUses,
			Uses:     e.uses,
			Sealed:   append([]byte(nil), e.sealed...),
		})
	}
	c.mu.Unlock()

	data, err := cbor.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode ticket cache: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Load merges a snapshot, skipping expired or exhausted tickets.
func (c *Cache) Load(r io.Reader, now time.Time) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read ticket cache: %w", err)
	}
	var file persistCache
	if err := cbor.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode ticket cache: %w", err)
	}
	if file.Version != persistVersion {
		return fmt.Errorf("unsupported ticket cache version %d", file.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pt := range file.Tickets {
		if len(pt.ID) != IDSize || len(pt.Secret) != jls.KeySize {
			continue
		}
		t := Ticket{
			IssuedAt: time.Unix(pt.IssuedAt, 0),
			Lifetime: time.Duration(pt.Lifetime) * time.Second,
			MaxUses:  pt.MaxUses,
		}
		copy(t.ID[:], pt.ID)
		copy(t.Secret[:], pt.Secret)
		if t.Expired(now) || pt.Uses >= pt.MaxUses {
			continue
		}
		c.entries[pt.Identity] = &cached{
			ticket: t,
			sealed: append([]byte(nil), pt.Sealed...),
			uses:   pt.Uses,
		}
	}
	return nil
}
