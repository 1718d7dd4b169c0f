package transport

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bridgefall/veilquic/commons/config"
	"github.com/bridgefall/veilquic/conn"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
	"github.com/bridgefall/veilquic/ticket"
)

// recordingDecoy counts datagrams and replies with a fixed blob, so a
// relayed probe gets a response that is clearly not ours.
func recordingDecoy(t *testing.T) (string, *atomic.Int64) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("decoy listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	var received atomic.Int64
	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			received.Add(int64(n))
			if _, err := pc.WriteTo([]byte("decoy-reply"), addr); err != nil {
				return
			}
		}
	}()
	return pc.LocalAddr().String(), &received
}

func startServer(t *testing.T, prof profile.Profile) (*Server, string) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts, err := ServerOptionsFromProfile(prof)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	opts.Metrics = &ServerMetrics{}
	srv := NewServer(pc, opts)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, pc.LocalAddr().String()
}

func testProfile(t *testing.T, decoyAddr string) profile.Profile {
	t.Helper()
	psk, err := jls.GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return profile.Profile{
		Name:             "test",
		ServerAddr:       "set-after-listen",
		PresharedKey:     jls.EncodeKeyBase64(psk),
		DecoyAddr:        decoyAddr,
		HandshakeTimeout: config.Duration{Duration: 2 * time.Second},
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEndOneRTT(t *testing.T) {
	decoyAddr, _ := recordingDecoy(t)
	prof := testProfile(t, decoyAddr)
	srv, addr := startServer(t, prof)
	prof.ServerAddr = addr

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cache := ticket.NewCache()
	cl, err := Dial(ctx, ClientOptions{Profile: prof, Tickets: cache})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cl.Close()
	if cl.Conn.UsedZeroRTT() {
		t.Fatalf("first dial used 0-rtt without a ticket")
	}
	if cl.Conn.Phase() != conn.Established {
		t.Fatalf("client phase = %v", cl.Conn.Phase())
	}

	sc, err := srv.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	s := cl.Conn.OpenStream()
	if _, err := s.Write([]byte("through the gate")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got *conn.Stream
	waitFor(t, 3*time.Second, "stream data", func() bool {
		if got == nil {
			got = sc.AcceptStream()
		}
		return got != nil && bytes.Equal(got.Received(), []byte("through the gate"))
	})

	if m := srv.metrics; m.Accepted.Load() != 1 || m.Rejected.Load() != 0 {
		t.Fatalf("metrics accepted=%d rejected=%d", m.Accepted.Load(), m.Rejected.Load())
	}
}

func TestZeroRTTAcrossDials(t *testing.T) {
	decoyAddr, _ := recordingDecoy(t)
	prof := testProfile(t, decoyAddr)
	_, addr := startServer(t, prof)
	prof.ServerAddr = addr

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cache := ticket.NewCache()

	first, err := Dial(ctx, ClientOptions{Profile: prof, Tickets: cache})
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	// the resumption ticket arrives right after the handshake
	waitFor(t, 3*time.Second, "ticket delivery", func() bool {
		return cache.Eligible(prof.ServerAddr, time.Now())
	})
	first.Close()

	second, err := Dial(ctx, ClientOptions{Profile: prof, Tickets: cache})
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()
	if !second.Conn.UsedZeroRTT() {
		t.Fatalf("resumption dial did not use 0-rtt")
	}
	if second.Conn.Demoted() {
		t.Fatalf("fresh ticket was demoted")
	}
	if second.Conn.Phase() != conn.Established {
		t.Fatalf("phase = %v", second.Conn.Phase())
	}
}

func TestWrongSecretFallsBackToDecoy(t *testing.T) {
	decoyAddr, received := recordingDecoy(t)
	prof := testProfile(t, decoyAddr)
	srv, addr := startServer(t, prof)

	// a prober with the wrong secret
	probe := testProfile(t, decoyAddr)
	probe.ServerAddr = addr
	probe.HandshakeTimeout = config.Duration{Duration: 500 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, ClientOptions{Profile: probe}); err == nil {
		t.Fatalf("wrong-secret dial succeeded")
	}

	// the hello must have been relayed to the decoy, byte count intact
	waitFor(t, 3*time.Second, "decoy relay", func() bool {
		return received.Load() > 0
	})
	waitFor(t, 3*time.Second, "reject counter", func() bool {
		return srv.metrics.Rejected.Load() == 1
	})
	if srv.metrics.Accepted.Load() != 0 {
		t.Fatalf("prober was accepted")
	}
}

func TestRejectedRemoteEvicted(t *testing.T) {
	decoyAddr, _ := recordingDecoy(t)
	prof := testProfile(t, decoyAddr)
	prof.Timeouts.Idle = config.Duration{Duration: 300 * time.Millisecond}
	srv, addr := startServer(t, prof)

	probe := testProfile(t, decoyAddr)
	probe.ServerAddr = addr
	probe.HandshakeTimeout = config.Duration{Duration: 500 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, ClientOptions{Profile: probe}); err == nil {
		t.Fatalf("wrong-secret dial succeeded")
	}
	waitFor(t, 3*time.Second, "reject counter", func() bool {
		return srv.metrics.Rejected.Load() == 1
	})

	// once the fallback session goes idle its remote entry is dropped,
	// so a probe flood cannot grow the map
	waitFor(t, 5*time.Second, "remote eviction", func() bool {
		srv.mu.Lock()
		n := len(srv.remotes)
		srv.mu.Unlock()
		return n == 0
	})
}

func TestServerOptionsFromProfileValidatesKeys(t *testing.T) {
	prof := profile.Profile{
		ServerAddr:   "127.0.0.1:1",
		PresharedKey: "not base64!",
		DecoyAddr:    "127.0.0.1:2",
	}
	if _, err := ServerOptionsFromProfile(prof); err == nil {
		t.Fatalf("bad key accepted")
	}
}
