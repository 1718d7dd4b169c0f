package jls

import (
	"testing"
	"time"

	"github.com/bridgefall/veilquic/internal/tai64n"
)

func testPSK() [KeySize]byte {
	var psk [KeySize]byte
	for i := range psk {
		psk[i] = byte(i*7 + 3)
	}
	return psk
}

func TestProduceValidateRoundTrip(t *testing.T) {
	psk := testPSK()
	now := time.Unix(1700000000, 0)
	var random [RandomSize]byte
	random[0] = 0xAB

	offsets := []time.Duration{0, time.Second, 30 * time.Second, -30 * time.Second, 119 * time.Second}
	for _, off := range offsets {
		ts := tai64n.At(now.Add(off))
		token := ProduceToken(psk, RoleClient, 42, ts, random)
		got := Validate(psk, RoleClient, 42, ts, random, token[:], now, 2*time.Minute)
		if got != Authenticated {
			t.Fatalf("offset %v: outcome = %v, want authenticated", off, got)
		}
	}
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	psk := testPSK()
	now := time.Unix(1700000000, 0)
	var random [RandomSize]byte

	ts := tai64n.At(now.Add(-3 * time.Minute))
	token := ProduceToken(psk, RoleClient, 1, ts, random)
	if got := Validate(psk, RoleClient, 1, ts, random, token[:], now, 2*time.Minute); got != Rejected {
		t.Fatalf("stale token outcome = %v, want rejected", got)
	}
}

func TestValidateRejectsBitFlips(t *testing.T) {
	psk := testPSK()
	now := time.Unix(1700000000, 0)
	ts := tai64n.At(now)
	var random [RandomSize]byte
	token := ProduceToken(psk, RoleServer, 7, ts, random)

	for bit := 0; bit < TokenSize*8; bit += 17 {
		flipped := token
		flipped[bit/8] ^= 1 << (bit % 8)
		if got := Validate(psk, RoleServer, 7, ts, random, flipped[:], now, time.Minute); got != Rejected {
			t.Fatalf("bit %d flip accepted", bit)
		}
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	psk := testPSK()
	now := time.Unix(1700000000, 0)
	ts := tai64n.At(now)
	var random [RandomSize]byte

	for _, tok := range [][]byte{nil, {}, make([]byte, 16), make([]byte, 64)} {
		if got := Validate(psk, RoleClient, 9, ts, random, tok, now, time.Minute); got != Rejected {
			t.Fatalf("malformed token (%d bytes) accepted", len(tok))
		}
	}
}

func TestValidateRejectsWrongRoleAndID(t *testing.T) {
	psk := testPSK()
	now := time.Unix(1700000000, 0)
	ts := tai64n.At(now)
	var random [RandomSize]byte
	token := ProduceToken(psk, RoleClient, 5, ts, random)

	if got := Validate(psk, RoleServer, 5, ts, random, token[:], now, time.Minute); got != Rejected {
		t.Fatalf("reflected token accepted for server role")
	}
	if got := Validate(psk, RoleClient, 6, ts, random, token[:], now, time.Minute); got != Rejected {
		t.Fatalf("token accepted under wrong connection id")
	}
}

func TestFingerprintBinding(t *testing.T) {
	var r1, r2 [RandomSize]byte
	r2[3] = 1
	ts := tai64n.At(time.Unix(1700000000, 0))
	token := make([]byte, TokenSize)

	fp1 := Fingerprint(ts, r1, token)
	fp2 := Fingerprint(ts, r2, token)
	if fp1 == fp2 {
		t.Fatalf("fingerprints collide across randoms")
	}
	if Fingerprint(ts, r1, token) != fp1 {
		t.Fatalf("fingerprint not deterministic")
	}
}

func TestSessionKeysDiffer(t *testing.T) {
	psk := testPSK()
	var cr, sr [RandomSize]byte
	cr[0], sr[0] = 1, 2

	keys := DeriveSessionKeys(psk, 3, cr, sr)
	if keys.ClientToServer == keys.ServerToClient {
		t.Fatalf("directional keys equal")
	}

	var cr2 [RandomSize]byte
	cr2[0] = 9
	keys2 := DeriveSessionKeys(psk, 3, cr2, sr)
	if keys.ClientToServer == keys2.ClientToServer {
		t.Fatalf("keys not bound to client random")
	}
}
