package fallback

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/bridgefall/veilquic/commons/metrics"
)

// scriptedDecoy is a deterministic UDP echo upstream: every datagram
// comes back with a fixed prefix, so relayed and direct traffic can be
// compared byte for byte.
func scriptedDecoy(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("decoy listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			reply := append([]byte("decoy:"), buf[:n]...)
			if _, err := pc.WriteTo(reply, addr); err != nil {
				return
			}
		}
	}()
	return pc.LocalAddr().String()
}

func collectDatagrams(t *testing.T, ch <-chan []byte, n int) [][]byte {
	t.Helper()
	out := make([][]byte, 0, n)
	for len(out) < n {
		select {
		case b := <-ch:
			out = append(out, b)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d datagrams", len(out), n)
		}
	}
	return out
}

func TestRelayMatchesDirectDecoy(t *testing.T) {
	decoyAddr := scriptedDecoy(t)
	payloads := [][]byte{
		[]byte("client hello bytes"),
		[]byte("second datagram"),
		[]byte("third datagram"),
	}

	// direct path: what the peer would see talking to the decoy itself
	direct, err := net.Dial("udp", decoyAddr)
	if err != nil {
		t.Fatalf("direct dial: %v", err)
	}
	defer direct.Close()
	var want [][]byte
	buf := make([]byte, maxDatagramSize)
	for _, p := range payloads {
		if _, err := direct.Write(p); err != nil {
			t.Fatalf("direct write: %v", err)
		}
		direct.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := direct.Read(buf)
		if err != nil {
			t.Fatalf("direct read: %v", err)
		}
		want = append(want, append([]byte(nil), buf[:n]...))
	}

	// relayed path: first payload replays as the rejected initial
	// bytes, the rest arrive as live peer datagrams
	peerCh := make(chan []byte, 16)
	var m Metrics
	fwd := New(decoyAddr, WithMetrics(&m))
	sess := fwd.Begin(payloads[0], func(b []byte) error {
		peerCh <- b
		return nil
	})
	defer sess.Close()
	for _, p := range payloads[1:] {
		sess.HandleDatagram(p)
	}

	got := collectDatagrams(t, peerCh, len(payloads))
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("datagram %d: relayed %q, direct %q", i, got[i], want[i])
		}
	}

	toDecoy, toPeer := sess.Stats()
	if toDecoy == 0 || toPeer == 0 {
		t.Fatalf("byte counters not advancing: %d / %d", toDecoy, toPeer)
	}
	if m.Started.Load() != 1 || m.BytesToPeer.Load() != toPeer {
		t.Fatalf("forwarder metrics inconsistent")
	}
}

func TestUnreachableDecoyStaysSilent(t *testing.T) {
	peerCh := make(chan []byte, 1)
	var m Metrics
	fwd := New("unresolvable.invalid:9", WithMetrics(&m))
	sess := fwd.Begin([]byte("initial"), func(b []byte) error {
		peerCh <- b
		return nil
	})

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("dead session not marked done")
	}
	// later datagrams are absorbed, nothing flows back
	sess.HandleDatagram([]byte("more"))
	select {
	case b := <-peerCh:
		t.Fatalf("dead session wrote %q to peer", b)
	case <-time.After(100 * time.Millisecond):
	}
	if m.DialFailures.Load() != 1 {
		t.Fatalf("dial failure not counted")
	}
}

func TestIdleSessionEnds(t *testing.T) {
	// a decoy that swallows everything: the session must end on the
	// idle timer, not hang
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	fwd := New(pc.LocalAddr().String(), WithIdleTimeout(100*time.Millisecond))
	sess := fwd.Begin([]byte("hello"), func([]byte) error { return nil })
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("idle session did not end")
	}
}

func TestRelayStreamsPassThrough(t *testing.T) {
	appSide, relayA := net.Pipe()
	relayB, upstreamSide := net.Pipe()

	var toUpstream, toApp metrics.Counter
	done := make(chan error, 1)
	go func() {
		done <- RelayStreams(nil, relayA, relayB, RelayConfig{
			IdleTimeout: time.Second,
			CountAToB:   &toUpstream,
			CountBToA:   &toApp,
		})
	}()

	go func() {
		buf := make([]byte, 64)
		n, _ := upstreamSide.Read(buf)
		upstreamSide.Write(bytes.ToUpper(buf[:n]))
		upstreamSide.Close()
	}()

	if _, err := appSide.Write([]byte("pass-through")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	appSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := appSide.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "PASS-THROUGH" {
		t.Fatalf("relayed %q", got)
	}
	appSide.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not finish")
	}
	if toUpstream.Load() != int64(len("pass-through")) || toApp.Load() != int64(n) {
		t.Fatalf("counters: to_upstream=%d to_app=%d", toUpstream.Load(), toApp.Load())
	}
}

func TestRelayStreamsAbortsOnDone(t *testing.T) {
	_, relayA := net.Pipe()
	relayB, _ := net.Pipe()

	cancelCh := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- RelayStreams(cancelCh, relayA, relayB, RelayConfig{})
	}()

	close(cancelCh)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("canceled relay returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not abort")
	}
}
