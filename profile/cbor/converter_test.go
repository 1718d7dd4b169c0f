package cborprofile

import (
	"testing"
	"time"

	"github.com/bridgefall/veilquic/commons/config"
	"github.com/bridgefall/veilquic/profile"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	padMax := 96
	in := profile.Profile{
		Name:              "probe-resistant",
		ServerAddr:        "198.51.100.7:4433",
		PresharedKey:      "c2VjcmV0LXNlY3JldC1zZWNyZXQtc2VjcmV0ISE=",
		DecoyAddr:         "203.0.113.9:443",
		HandshakeTimeout:  config.Duration{Duration: 4 * time.Second},
		HandshakeAttempts: 2,
		PreambleDelayMs:   15,
		Auth: profile.AuthConfig{
			SkewSeconds:     90,
			ReplayCacheSize: 4096,
			RateLimitPPS:    50,
		},
		Ticket: profile.TicketConfig{
			Validity: config.Duration{Duration: 3 * time.Hour},
			MaxUses:  4,
		},
		BBR: profile.BBRConfig{
			BandwidthWindowRounds: 10,
			MinRTTWindow:          config.Duration{Duration: 10 * time.Second},
			ProbeRTTInterval:      config.Duration{Duration: 8 * time.Second},
			InitialCwndPackets:    32,
		},
		Timeouts: profile.TimeoutConfig{
			Idle:  config.Duration{Duration: 90 * time.Second},
			Drain: config.Duration{Duration: 2 * time.Second},
		},
		Quic: profile.QuicConfig{
			MaxPacketSize: 1350,
			MaxStreams:    128,
		},
		HandshakePadding: profile.TransportPadding{Max: &padMax},
	}

	data, err := EncodeProfile(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeProfile(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.Name != in.Name || out.ServerAddr != in.ServerAddr || out.PresharedKey != in.PresharedKey || out.DecoyAddr != in.DecoyAddr {
		t.Fatalf("identity fields mismatch: %+v", out)
	}
	if out.HandshakeTimeout.Duration != in.HandshakeTimeout.Duration {
		t.Fatalf("handshake timeout = %v", out.HandshakeTimeout)
	}
	if out.Auth != in.Auth {
		t.Fatalf("auth mismatch: %+v", out.Auth)
	}
	if out.Ticket.Validity.Duration != in.Ticket.Validity.Duration || out.Ticket.MaxUses != in.Ticket.MaxUses {
		t.Fatalf("ticket mismatch: %+v", out.Ticket)
	}
	if out.BBR.BandwidthWindowRounds != 10 || out.BBR.ProbeRTTInterval.Duration != 8*time.Second {
		t.Fatalf("bbr mismatch: %+v", out.BBR)
	}
	if out.HandshakePadding.Max == nil || *out.HandshakePadding.Max != padMax {
		t.Fatalf("padding mismatch: %+v", out.HandshakePadding)
	}
}

func TestEncodeRequiresServerAddr(t *testing.T) {
	_, err := EncodeProfile(profile.Profile{PresharedKey: "x"})
	if err == nil {
		t.Fatalf("expected error for missing server_addr")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	p := profile.Profile{ServerAddr: "a:1", PresharedKey: "k"}
	data, err := EncodeProfile(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// version is encoded under key 0 as a small uint; flip it
	mutated := append([]byte(nil), data...)
	for i := range mutated {
		if mutated[i] == 0x01 {
			mutated[i] = 0x63
			break
		}
	}
	if _, err := DecodeProfile(mutated); err == nil {
		t.Fatalf("expected version error")
	}
}
