package replaystore

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func key(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

func TestCheckAndAddDuplicate(t *testing.T) {
	s := New(16)
	expiry := time.Now().Add(time.Minute)

	if !s.CheckAndAdd(key(1), expiry) {
		t.Fatalf("first registration rejected")
	}
	if s.CheckAndAdd(key(1), expiry) {
		t.Fatalf("duplicate registration accepted")
	}
	if !s.CheckAndAdd(key(2), expiry) {
		t.Fatalf("distinct fingerprint rejected")
	}
}

func TestExpiredFingerprintMayReRegister(t *testing.T) {
	current := time.Unix(1000, 0)
	s := New(16, WithClock(func() time.Time { return current }))

	if !s.CheckAndAdd(key(1), current.Add(time.Minute)) {
		t.Fatalf("first registration rejected")
	}
	current = current.Add(2 * time.Minute)
	if !s.CheckAndAdd(key(1), current.Add(time.Minute)) {
		t.Fatalf("re-registration after expiry rejected")
	}
	if s.CheckAndAdd(key(1), current.Add(time.Minute)) {
		t.Fatalf("duplicate inside fresh window accepted")
	}
}

func TestCapacityEviction(t *testing.T) {
	current := time.Unix(1000, 0)
	s := New(2, WithClock(func() time.Time { return current }))
	expiry := current.Add(time.Hour)

	s.CheckAndAdd(key(1), expiry)
	s.CheckAndAdd(key(2), expiry)
	s.CheckAndAdd(key(3), expiry)
	if got := s.Len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	// key(1) was oldest and evicted; it may register again. That is the
	// capacity fuse trading memory for replay scope, as configured.
	if !s.CheckAndAdd(key(1), expiry) {
		t.Fatalf("evicted fingerprint still tracked")
	}
}

// Two connections racing to register the same fingerprint must result
// in exactly one accept.
func TestConcurrentSameFingerprint(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		s := New(64)
		expiry := time.Now().Add(time.Minute)
		var accepts atomic.Int32
		var start, done sync.WaitGroup
		start.Add(1)
		for i := 0; i < 8; i++ {
			done.Add(1)
			go func() {
				defer done.Done()
				start.Wait()
				if s.CheckAndAdd(key(7), expiry) {
					accepts.Add(1)
				}
			}()
		}
		start.Done()
		done.Wait()
		if got := accepts.Load(); got != 1 {
			t.Fatalf("trial %d: accepts = %d, want 1", trial, got)
		}
	}
}

func TestSaveLoadSkipsExpired(t *testing.T) {
	current := time.Unix(1000, 0)
	s := New(16, WithClock(func() time.Time { return current }))
	s.CheckAndAdd(key(1), current.Add(time.Minute))
	s.CheckAndAdd(key(2), current.Add(time.Second))

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	current = current.Add(30 * time.Second)
	restored := New(16, WithClock(func() time.Time { return current }))
	if err := restored.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.CheckAndAdd(key(1), current.Add(time.Minute)) {
		t.Fatalf("persisted live fingerprint not honored")
	}
	if !restored.CheckAndAdd(key(2), current.Add(time.Minute)) {
		t.Fatalf("expired fingerprint resurrected by load")
	}
}

func TestMetrics(t *testing.T) {
	var m Metrics
	s := New(16, WithMetrics(&m))
	expiry := time.Now().Add(time.Minute)
	s.CheckAndAdd(key(1), expiry)
	s.CheckAndAdd(key(1), expiry)
	if m.Rejects.Load() != 1 {
		t.Fatalf("rejects = %d, want 1", m.Rejects.Load())
	}
}
