// Package transport binds the connection state machine to UDP: the
// server listener with its handshake gate and fallback handoff, and
// the client dialer with the 0-RTT attempt path.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bridgefall/veilquic/commons/metrics"
	"github.com/bridgefall/veilquic/congestion"
	"github.com/bridgefall/veilquic/conn"
	"github.com/bridgefall/veilquic/fallback"
	"github.com/bridgefall/veilquic/internal/ratelimiter"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
	"github.com/bridgefall/veilquic/replaystore"
	"github.com/bridgefall/veilquic/ticket"
)

// ErrServerClosed is returned by Accept and Serve after Close.
var ErrServerClosed = errors.New("transport: server closed")

const (
	maxDatagramSize = 64 * 1024
	timerGranule    = 50 * time.Millisecond
)

// ServerMetrics tracks listener-level counters.
type ServerMetrics struct {
	Accepted    metrics.Counter
	Rejected    metrics.Counter
	RateLimited metrics.Counter
	Active      metrics.Gauge
}

// ServerOptions configures a listener. Zero fields resolve to the
// deployment defaults.
type ServerOptions struct {
	PSK       [jls.KeySize]byte
	TicketKey [jls.KeySize]byte
	DecoyAddr string

	Skew            time.Duration
	ReplayCacheSize int
	RateLimitPPS    int
	RateLimitBurst  int
	TicketValidity  time.Duration
	TicketMaxUses   int

	Congestion congestion.Config
	Padding    profile.PaddingPolicy

	IdleTimeout      time.Duration
	DrainInterval    time.Duration
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration

	AcceptBacklog int
	Logger        *slog.Logger
	Metrics       *ServerMetrics
}

// ServerOptionsFromProfile resolves a deployment profile into listener
// options, decoding the key material.
func ServerOptionsFromProfile(p profile.Profile) (ServerOptions, error) {
	psk, err := jls.DecodeKeyBase64(p.PresharedKey)
	if err != nil {
		return ServerOptions{}, err
	}
	var ticketKey [jls.KeySize]byte
	if p.TicketKey != "" {
		if ticketKey, err = jls.DecodeKeyBase64(p.TicketKey); err != nil {
			return ServerOptions{}, err
		}
	} else {
		// an ephemeral ticket key still enables resumption within one
		// server lifetime
		if ticketKey, err = jls.GenerateKey(); err != nil {
			return ServerOptions{}, err
		}
	}
	auth, err := p.Auth.Resolve()
	if err != nil {
		return ServerOptions{}, err
	}
	tc, err := p.Ticket.Resolve()
	if err != nil {
		return ServerOptions{}, err
	}
	padding, err := p.HandshakePadding.Resolve()
	if err != nil {
		return ServerOptions{}, err
	}
	timeouts := p.Timeouts.Resolve()
	return ServerOptions{
		PSK:              psk,
		TicketKey:        ticketKey,
		DecoyAddr:        p.DecoyAddr,
		Skew:             auth.Skew(),
		ReplayCacheSize:  auth.ReplayCacheSize,
		RateLimitPPS:     auth.RateLimitPPS,
		RateLimitBurst:   auth.RateLimitBurst,
		TicketValidity:   tc.Validity.Duration,
		TicketMaxUses:    tc.MaxUses,
		Congestion:       congestion.ConfigFromProfile(p.BBR, int64(p.Quic.MaxPacketSize)),
		Padding:          padding,
		IdleTimeout:      timeouts.Idle.Duration,
		DrainInterval:    timeouts.Drain.Duration,
		KeepAlive:        timeouts.KeepAlive.Duration,
		HandshakeTimeout: p.HandshakeTimeout.Duration,
	}, nil
}

type remote struct {
	addr     net.Addr
	c        *conn.Connection
	fb       *fallback.Session
	accepted bool
}

// Server demultiplexes one UDP socket into per-remote connections.
// Each connection's state is owned by its own goroutine plus the read
// loop, serialized inside the connection itself; rejected remotes are
// consumed by a fallback session for the rest of their lifetime.
type Server struct {
	pc      net.PacketConn
	opts    ServerOptions
	log     *slog.Logger
	metrics *ServerMetrics

	replays *replaystore.Store
	issuer  *ticket.Issuer
	limiter *ratelimiter.Ratelimiter
	fwd     *fallback.Forwarder

	mu      sync.Mutex
	remotes map[string]*remote

	accepts   chan *conn.Connection
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer wraps a packet socket with the handshake gate.
func NewServer(pc net.PacketConn, opts ServerOptions) *Server {
	backlog := opts.AcceptBacklog
	if backlog <= 0 {
		backlog = 64
	}
	s := &Server{
		pc:      pc,
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		replays: replaystore.New(opts.ReplayCacheSize),
		issuer:  ticket.NewIssuer(opts.TicketKey, opts.TicketValidity, opts.TicketMaxUses),
		limiter: &ratelimiter.Ratelimiter{},
		remotes: make(map[string]*remote),
		accepts: make(chan *conn.Connection, backlog),
		done:    make(chan struct{}),
	}
	s.limiter.Init(opts.RateLimitPPS, opts.RateLimitBurst)
	fwdOpts := []fallback.Option{}
	if opts.IdleTimeout > 0 {
		fwdOpts = append(fwdOpts, fallback.WithIdleTimeout(opts.IdleTimeout))
	}
	if opts.Logger != nil {
		fwdOpts = append(fwdOpts, fallback.WithLogger(opts.Logger))
	}
	s.fwd = fallback.New(opts.DecoyAddr, fwdOpts...)
	return s
}

// Serve runs the read loop until the socket closes.
func (s *Server) Serve() error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
				return err
			}
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handlePacket(pkt, addr)
	}
}

func (s *Server) handlePacket(pkt []byte, addr net.Addr) {
	key := addr.String()
	s.mu.Lock()
	r := s.remotes[key]
	s.mu.Unlock()

	if r == nil {
		// rate limit before any cryptographic work
		if ap, err := netip.ParseAddrPort(key); err == nil && !s.limiter.Allow(ap.Addr()) {
			if s.metrics != nil {
				s.metrics.RateLimited.Add(1)
			}
			return
		}
		c, err := conn.NewServer(conn.Config{
			PSK:              s.opts.PSK,
			Skew:             s.opts.Skew,
			Issuer:           s.issuer,
			Replays:          s.replays,
			Congestion:       s.opts.Congestion,
			Padding:          s.opts.Padding,
			IdleTimeout:      s.opts.IdleTimeout,
			DrainInterval:    s.opts.DrainInterval,
			KeepAlive:        s.opts.KeepAlive,
			HandshakeTimeout: s.opts.HandshakeTimeout,
			Logger:           s.log,
			Send:             s.sendTo(addr),
		})
		if err != nil {
			s.logDebug("connection setup failed", "remote", key, "err", err)
			return
		}
		r = &remote{addr: addr, c: c}
		s.mu.Lock()
		s.remotes[key] = r
		s.mu.Unlock()
		s.wg.Add(1)
		go s.driveTimers(key, c)
	}

	if r.fb != nil {
		r.fb.HandleDatagram(pkt)
		return
	}

	h, err := r.c.HandleDatagram(pkt, time.Now())
	if err != nil {
		s.logDebug("datagram handling failed", "remote", key, "err", err)
		return
	}
	if h != nil {
		// rejected: the decoy consumes this remote's flow from now on
		if s.metrics != nil {
			s.metrics.Rejected.Add(1)
		}
		s.mu.Lock()
		r.fb = s.fwd.Begin(h.Initial, s.sendTo(addr))
		fb := r.fb
		s.mu.Unlock()
		s.wg.Add(1)
		go s.reapRejected(key, fb)
		return
	}
	if !r.accepted && r.c.Phase() == conn.Established {
		r.accepted = true
		if s.metrics != nil {
			s.metrics.Accepted.Add(1)
			s.metrics.Active.Inc()
		}
		select {
		case s.accepts <- r.c:
		default:
			s.logDebug("accept backlog full", "remote", key)
		}
	}
}

func (s *Server) sendTo(addr net.Addr) func([]byte) error {
	return func(b []byte) error {
		_, err := s.pc.WriteTo(b, addr)
		return err
	}
}

// driveTimers owns one connection's timer processing.
func (s *Server) driveTimers(key string, c *conn.Connection) {
	defer s.wg.Done()
	for {
		wait := timerGranule
		if at, ok := c.NextTimeout(); ok {
			if d := time.Until(at); d < wait {
				wait = d
			}
			if wait < 0 {
				wait = 0
			}
		}
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}
		c.Advance(time.Now())
		switch c.Phase() {
		case conn.Drained:
			s.dropRemote(key, true)
			return
		case conn.Rejected:
			// the fallback session owns the remote now; its reaper
			// drops the map entry once the session ends
			return
		}
	}
}

// reapRejected drops a rejected remote once its fallback session ends,
// so a probe flood cannot pin map entries forever.
func (s *Server) reapRejected(key string, fb *fallback.Session) {
	defer s.wg.Done()
	select {
	case <-fb.Done():
	case <-s.done:
		return
	}
	s.dropRemote(key, false)
}

func (s *Server) dropRemote(key string, wasAccepted bool) {
	s.mu.Lock()
	r := s.remotes[key]
	delete(s.remotes, key)
	s.mu.Unlock()
	if r != nil && wasAccepted && r.accepted && s.metrics != nil {
		s.metrics.Active.Dec()
	}
}

// Accept returns the next established connection.
func (s *Server) Accept(ctx context.Context) (*conn.Connection, error) {
	select {
	case c := <-s.accepts:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrServerClosed
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.pc.LocalAddr()
}

// Close shuts the listener down and releases every remote.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.pc.Close()
		s.limiter.Close()
		s.mu.Lock()
		for _, r := range s.remotes {
			if r.fb != nil {
				r.fb.Close()
			}
			if r.c != nil {
				_ = r.c.Close()
			}
		}
		s.remotes = make(map[string]*remote)
		s.mu.Unlock()
		s.wg.Wait()
	})
	return nil
}

func (s *Server) logDebug(msg string, args ...any) {
	if s.log != nil {
		s.log.Debug(msg, args...)
	}
}
