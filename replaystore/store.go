// Package replaystore tracks fingerprints of accepted handshake
// attempts so a token can never be accepted twice inside its freshness
// window. The store is shared by every connection of a server process.
package replaystore

import (
	"container/list"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/bridgefall/veilquic/commons/metrics"
)

const defaultCapacity = 8192

// Metrics tracks store-level counters.
type Metrics struct {
	Rejects   metrics.Counter
	Evictions metrics.Counter
	Expired   metrics.Counter
}

// Store is a bounded fingerprint set with per-entry expiry. Safe for
// concurrent use; CheckAndAdd is an atomic insert-if-absent, so two
// connections racing on the same fingerprint see exactly one accept.
type Store struct {
	mu       sync.Mutex
	capacity int
	entries  map[[32]byte]*list.Element
	order    *list.List
	metrics  *Metrics
	now      func() time.Time
}

type entry struct {
	key       [32]byte
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics attaches counters to the store.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store holding at most capacity fingerprints.
func New(capacity int, opts ...Option) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	s := &Store{
		capacity: capacity,
		entries:  make(map[[32]byte]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAndAdd registers a fingerprint expiring at expiresAt. It returns
// true when the fingerprint was absent (the attempt may proceed) and
// false when it was already registered and still valid.
func (s *Store) CheckAndAdd(key [32]byte, expiresAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if elem, ok := s.entries[key]; ok {
		e := elem.Value.(*entry)
		if now.Before(e.expiresAt) {
			if s.metrics != nil {
				s.metrics.Rejects.Add(1)
			}
			return false
		}
		// Expired record of the same fingerprint; the token itself is
		// outside its freshness window by now, so re-registering is safe.
		e.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		if s.metrics != nil {
			s.metrics.Expired.Add(1)
		}
		return true
	}

	elem := s.order.PushFront(&entry{key: key, expiresAt: expiresAt})
	s.entries[key] = elem
	s.evictLocked(now)
	return true
}

// evictLocked drops expired entries from the back, then enforces the
// capacity bound.
func (s *Store) evictLocked(now time.Time) {
	for back := s.order.Back(); back != nil; back = s.order.Back() {
		e := back.Value.(*entry)
		if now.Before(e.expiresAt) {
			break
		}
		delete(s.entries, e.key)
		s.order.Remove(back)
		if s.metrics != nil {
			s.metrics.Expired.Add(1)
		}
	}
	for s.order.Len() > s.capacity {
		back := s.order.Back()
		if back == nil {
			break
		}
		e := back.Value.(*entry)
		delete(s.entries, e.key)
		s.order.Remove(back)
		if s.metrics != nil {
			s.metrics.Evictions.Add(1)
		}
	}
}

// Len returns the number of tracked fingerprints.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

type persistEntry struct {
	Key    []byte `cbor:"1,keyasint"`
	Expiry int64  `cbor:"2,keyasint"`
}

type persistFile struct {
	Version int            `cbor:"0,keyasint"`
	Entries []persistEntry `cbor:"1,keyasint"`
}

const persistVersion = 1

// Save writes a snapshot of non-expired fingerprints. The byte layout
// is an implementation detail, not a compatibility surface.
func (s *Store) Save(w io.Writer) error {
	s.mu.Lock()
	now := s.now()
	file := persistFile{Version: persistVersion}
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if !now.Before(e.expiresAt) {
			continue
		}
		file.Entries = append(file.Entries, persistEntry{
			Key:    append([]byte(nil), e.key[:]...),
			Expiry: e.expiresAt.UnixNano(),
		})
	}
	s.mu.Unlock()

	data, err := cbor.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode replay snapshot: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Load merges a snapshot into the store, skipping expired entries.
func (s *Store) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read replay snapshot: %w", err)
	}
	var file persistFile
	if err := cbor.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode replay snapshot: %w", err)
	}
	if file.Version != persistVersion {
		return fmt.Errorf("unsupported replay snapshot version %d", file.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, pe := range file.Entries {
		if len(pe.Key) != 32 {
			continue
		}
		expiresAt := time.Unix(0, pe.Expiry)
		if !now.Before(expiresAt) {
			continue
		}
		var key [32]byte
		copy(key[:], pe.Key)
		if _, ok := s.entries[key]; ok {
			continue
		}
		elem := s.order.PushFront(&entry{key: key, expiresAt: expiresAt})
		s.entries[key] = elem
	}
	s.evictLocked(now)
	return nil
}
