// Package quicmux runs quic-go stream multiplexing behind the
// camouflage gate: a wrapped packet socket authenticates each remote
// with a token exchange before any of its datagrams reach the QUIC
// stack, and hands unauthenticated remotes to the decoy forwarder.
// On top of the mux it carries a small CONNECT-style proxy protocol.
package quicmux

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bridgefall/veilquic/commons/metrics"
	"github.com/bridgefall/veilquic/fallback"
	"github.com/bridgefall/veilquic/internal/ratelimiter"
	"github.com/bridgefall/veilquic/internal/tai64n"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
	"github.com/bridgefall/veilquic/replaystore"
)

// Gate datagram types. These precede any QUIC traffic on the socket
// and are consumed by the gate, never delivered to quic-go.
const (
	pktGateHello byte = 0x11
	pktGateAck   byte = 0x12
)

const maxDatagramSize = 64 * 1024

const (
	defaultGateIdle   = 2 * time.Minute
	gateSweepInterval = time.Minute
)

// The gate has no connection identifier; the per-attempt random is
// what makes each token unique.
const gateConnID = 0

var errBadGateMessage = errors.New("quicmux: bad gate message")

type gateMessage struct {
	Timestamp tai64n.Timestamp
	Random    [jls.RandomSize]byte
	Token     [jls.TokenSize]byte
}

func encodeGateMessage(typ byte, m gateMessage, pad []byte) []byte {
	out := make([]byte, 0, 1+tai64n.TimestampSize+jls.RandomSize+jls.TokenSize+2+len(pad))
	out = append(out, typ)
	out = append(out, m.Timestamp[:]...)
	out = append(out, m.Random[:]...)
	out = append(out, m.Token[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pad)))
	out = append(out, pad...)
	return out
}

func parseGateMessage(typ byte, b []byte) (gateMessage, error) {
	var m gateMessage
	fixed := 1 + tai64n.TimestampSize + jls.RandomSize + jls.TokenSize + 2
	if len(b) < fixed || b[0] != typ {
		return m, errBadGateMessage
	}
	off := 1
	off += copy(m.Timestamp[:], b[off:])
	off += copy(m.Random[:], b[off:])
	off += copy(m.Token[:], b[off:])
	plen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+plen {
		return m, errBadGateMessage
	}
	return m, nil
}

// GateMetrics tracks gate-level counters on the server socket.
type GateMetrics struct {
	Authenticated metrics.Counter
	Rejected      metrics.Counter
	RateLimited   metrics.Counter
	Replayed      metrics.Counter
}

// GateOptions configures the server-side gate.
type GateOptions struct {
	PSK       [jls.KeySize]byte
	DecoyAddr string

	Skew            time.Duration
	ReplayCacheSize int
	RateLimitPPS    int
	RateLimitBurst  int
	Padding         profile.PaddingPolicy
	FallbackIdle    time.Duration

	Logger  *slog.Logger
	Metrics *GateMetrics
}

// ServerConn wraps a packet socket so only authenticated remotes are
// visible to the QUIC stack. Everything else is relayed to the decoy.
type ServerConn struct {
	net.PacketConn

	opts    GateOptions
	replays *replaystore.Store
	limiter *ratelimiter.Ratelimiter
	fwd     *fallback.Forwarder

	mu        sync.Mutex
	authed    map[string]time.Time
	fallbacks map[string]*fallback.Session
	lastSweep time.Time
	closeOnce sync.Once
}

// NewServerConn builds the gated socket. The caller passes the
// resulting conn to quic.Listen.
func NewServerConn(pc net.PacketConn, opts GateOptions) *ServerConn {
	c := &ServerConn{
		PacketConn: pc,
		opts:       opts,
		replays:    replaystore.New(opts.ReplayCacheSize),
		limiter:    &ratelimiter.Ratelimiter{},
		authed:     make(map[string]time.Time),
		fallbacks:  make(map[string]*fallback.Session),
		lastSweep:  time.Now(),
	}
	c.limiter.Init(opts.RateLimitPPS, opts.RateLimitBurst)
	fwdOpts := []fallback.Option{}
	if opts.FallbackIdle > 0 {
		fwdOpts = append(fwdOpts, fallback.WithIdleTimeout(opts.FallbackIdle))
	}
	if opts.Logger != nil {
		fwdOpts = append(fwdOpts, fallback.WithLogger(opts.Logger))
	}
	c.fwd = fallback.New(opts.DecoyAddr, fwdOpts...)
	return c
}

// ReadFrom delivers datagrams of authenticated remotes and consumes
// everything else: gate hellos are answered, the rest feeds the decoy.
func (c *ServerConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil {
			return 0, nil, err
		}
		key := addr.String()
		now := time.Now()

		c.mu.Lock()
		c.sweepLocked(now)
		ok := false
		if last, seen := c.authed[key]; seen {
			if now.Sub(last) <= c.authTTL() {
				c.authed[key] = now
				ok = true
			} else {
				delete(c.authed, key)
			}
		}
		fb := c.fallbacks[key]
		c.mu.Unlock()

		if ok {
			return n, addr, nil
		}
		pkt := make([]byte, n)
		copy(pkt, p[:n])
		if fb != nil {
			fb.HandleDatagram(pkt)
			continue
		}
		c.admit(pkt, addr)
	}
}

// admit decides the fate of a new remote based on its first datagram.
func (c *ServerConn) admit(pkt []byte, addr net.Addr) {
	key := addr.String()
	if ap, err := netip.ParseAddrPort(key); err == nil && !c.limiter.Allow(ap.Addr()) {
		if c.opts.Metrics != nil {
			c.opts.Metrics.RateLimited.Add(1)
		}
		return
	}

	m, err := parseGateMessage(pktGateHello, pkt)
	if err == nil {
		now := time.Now()
		outcome := jls.Validate(c.opts.PSK, jls.RoleClient, gateConnID, m.Timestamp, m.Random, m.Token[:], now, c.opts.Skew)
		if outcome == jls.Authenticated {
			fp := jls.Fingerprint(m.Timestamp, m.Random, m.Token[:])
			if !c.replays.CheckAndAdd(fp, m.Timestamp.Time().Add(c.opts.Skew)) {
				if c.opts.Metrics != nil {
					c.opts.Metrics.Replayed.Add(1)
				}
				c.beginFallback(key, pkt, addr)
				return
			}
			c.mu.Lock()
			c.authed[key] = time.Now()
			c.mu.Unlock()
			if c.opts.Metrics != nil {
				c.opts.Metrics.Authenticated.Add(1)
			}
			c.sendAck(addr)
			return
		}
	}
	c.beginFallback(key, pkt, addr)
}

func (c *ServerConn) sendAck(addr net.Addr) {
	ack := gateMessage{Timestamp: tai64n.Now()}
	if err := fillRandom(ack.Random[:]); err != nil {
		return
	}
	ack.Token = jls.ProduceToken(c.opts.PSK, jls.RoleServer, gateConnID, ack.Timestamp, ack.Random)
	out := encodeGateMessage(pktGateAck, ack, randomPad(c.opts.Padding))
	if _, err := c.PacketConn.WriteTo(out, addr); err != nil {
		c.logDebug("gate ack send failed", "remote", addr.String(), "err", err)
	}
}

func (c *ServerConn) beginFallback(key string, pkt []byte, addr net.Addr) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Rejected.Add(1)
	}
	sess := c.fwd.Begin(pkt, func(b []byte) error {
		_, err := c.PacketConn.WriteTo(b, addr)
		return err
	})
	c.mu.Lock()
	c.fallbacks[key] = sess
	c.mu.Unlock()
	go func() {
		<-sess.Done()
		c.mu.Lock()
		if c.fallbacks[key] == sess {
			delete(c.fallbacks, key)
		}
		c.mu.Unlock()
	}()
}

// sweepLocked evicts authenticated remotes that have gone silent, so
// the gate map cannot grow without bound. Runs at most once per
// interval; fallback entries are reaped by their own session watchers.
func (c *ServerConn) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < gateSweepInterval {
		return
	}
	c.lastSweep = now
	ttl := c.authTTL()
	for k, last := range c.authed {
		if now.Sub(last) > ttl {
			delete(c.authed, k)
		}
	}
}

// authTTL is how long an authenticated remote may stay silent before
// its gate entry is evicted. Twice the idle bound, so the QUIC layer's
// own idle timeout fires first on a live session.
func (c *ServerConn) authTTL() time.Duration {
	if c.opts.FallbackIdle > 0 {
		return 2 * c.opts.FallbackIdle
	}
	return 2 * defaultGateIdle
}

// Close releases the gate and every fallback session.
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.PacketConn.Close()
		c.limiter.Close()
		c.mu.Lock()
		for _, fb := range c.fallbacks {
			fb.Close()
		}
		c.fallbacks = make(map[string]*fallback.Session)
		c.mu.Unlock()
	})
	return err
}

func (c *ServerConn) logDebug(msg string, args ...any) {
	if c.opts.Logger != nil {
		c.opts.Logger.Debug(msg, args...)
	}
}

// HandshakeOptions configures the client side of the gate exchange.
type HandshakeOptions struct {
	PSK      [jls.KeySize]byte
	Skew     time.Duration
	Timeout  time.Duration
	Attempts int
	Padding  profile.PaddingPolicy
}

// ClientHandshake authenticates the local socket with the remote gate.
// It must complete before the socket is handed to quic.Dial; a server
// relaying us to its decoy shows up as a timeout here.
func ClientHandshake(pc net.PacketConn, remote net.Addr, opts HandshakeOptions) error {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = profile.DefaultHandshakeTimeout
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := sendHello(pc, remote, opts); err != nil {
			lastErr = err
			continue
		}
		if err := awaitAck(pc, remote, opts, timeout); err != nil {
			lastErr = err
			continue
		}
		_ = pc.SetReadDeadline(time.Time{})
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("quicmux: gate handshake failed")
	}
	return lastErr
}

func sendHello(pc net.PacketConn, remote net.Addr, opts HandshakeOptions) error {
	hello := gateMessage{Timestamp: tai64n.Now()}
	if err := fillRandom(hello.Random[:]); err != nil {
		return err
	}
	hello.Token = jls.ProduceToken(opts.PSK, jls.RoleClient, gateConnID, hello.Timestamp, hello.Random)
	out := encodeGateMessage(pktGateHello, hello, randomPad(opts.Padding))
	_, err := pc.WriteTo(out, remote)
	return err
}

func awaitAck(pc net.PacketConn, remote net.Addr, opts HandshakeOptions, timeout time.Duration) error {
	if err := pc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return err
		}
		if addr.String() != remote.String() {
			continue
		}
		m, err := parseGateMessage(pktGateAck, buf[:n])
		if err != nil {
			continue
		}
		skew := opts.Skew
		if skew <= 0 {
			skew = profile.AuthConfig{}.Skew()
		}
		if jls.Validate(opts.PSK, jls.RoleServer, gateConnID, m.Timestamp, m.Random, m.Token[:], time.Now(), skew) == jls.Authenticated {
			return nil
		}
	}
}
