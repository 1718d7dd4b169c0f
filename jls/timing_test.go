package jls

import (
	"testing"
	"time"

	"github.com/bridgefall/veilquic/internal/tai64n"
)

// Accept and reject paths should cost about the same. The threshold is
// generous because CI timers are noisy; the property guarded here is
// the absence of an early-exit path, not cycle-level equality.
func TestValidateTimingBalance(t *testing.T) {
	if testing.Short() {
		t.Skip("timing measurement")
	}

	psk := testPSK()
	now := time.Unix(1700000000, 0)
	ts := tai64n.At(now)
	var random [RandomSize]byte
	good := ProduceToken(psk, RoleClient, 11, ts, random)
	bad := good
	bad[0] ^= 0x01

	const trials = 2000
	measure := func(token []byte) time.Duration {
		start := time.Now()
		for i := 0; i < trials; i++ {
			Validate(psk, RoleClient, 11, ts, random, token, now, time.Minute)
		}
		return time.Since(start)
	}

	// Warm up caches before measuring.
	measure(good[:])
	measure(bad[:])

	acceptTime := measure(good[:])
	rejectTime := measure(bad[:])

	slow, fast := acceptTime, rejectTime
	if rejectTime > slow {
		slow, fast = rejectTime, acceptTime
	}
	if fast == 0 {
		t.Skip("timer resolution too coarse")
	}
	if ratio := float64(slow) / float64(fast); ratio > 3.0 {
		t.Fatalf("accept/reject timing ratio %.2f exceeds bound (accept=%v reject=%v)", ratio, acceptTime, rejectTime)
	}
}

func BenchmarkValidate(b *testing.B) {
	psk := testPSK()
	now := time.Unix(1700000000, 0)
	ts := tai64n.At(now)
	var random [RandomSize]byte
	token := ProduceToken(psk, RoleClient, 1, ts, random)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate(psk, RoleClient, 1, ts, random, token[:], now, time.Minute)
	}
}
