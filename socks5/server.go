// Package socks5 is the local frontend: a minimal SOCKS5 CONNECT
// server with optional username/password auth that tunnels every
// connection through the gated mux.
package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bridgefall/veilquic/commons/metrics"
	"github.com/bridgefall/veilquic/fallback"
)

const (
	socksVersion       = 0x05
	authMethodNoAuth   = 0x00
	authMethodUserPass = 0x02
	authMethodNoAccept = 0xFF
	userPassVersion    = 0x01

	replySuccess        = 0x00
	replyGeneralFailure = 0x01
	replyCommandNotSupp = 0x07

	cmdConnect = 0x01

	addrTypeIPv4   = 0x01
	addrTypeDomain = 0x03
	addrTypeIPv6   = 0x04
)

const (
	defaultWorkerCount     = 8
	defaultMaxConnections  = 128
	defaultHandshakeTTL    = 5 * time.Second
	defaultAcceptTTL       = 500 * time.Millisecond
	defaultIdleTimeout     = 2 * time.Minute
	defaultMetricsInterval = 10 * time.Second
	latencySampleSize      = 256
	relayBufferSize        = 32 * 1024
)

const invalidConfigPrefix = "invalid config"

// Dialer opens a tunnel to host:port. The mux client satisfies this.
type Dialer interface {
	Connect(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// Config defines the frontend behavior.
type Config struct {
	ListenAddr      string
	Username        string
	Password        string
	WorkerCount     int
	MaxConnections  int
	HandshakeTTL    time.Duration
	AcceptTTL       time.Duration
	IdleTimeout     time.Duration
	MetricsInterval time.Duration
	Logger          *slog.Logger
}

// Metrics captures frontend counters.
type Metrics struct {
	ActiveConns     metrics.Gauge
	AuthFailures    metrics.Counter
	ConnectFailures metrics.Counter
	ConnectSuccess  metrics.Counter
	BytesIn         metrics.Counter
	BytesOut        metrics.Counter
	ConnectLatency  *metrics.LatencySampler
}

// Server accepts local SOCKS5 clients through a bounded worker pool.
type Server struct {
	cfg     Config
	dialer  Dialer
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	listener net.Listener
	connCh   chan net.Conn
	sema     chan struct{}
	readyCh  chan struct{}
	wg       sync.WaitGroup
}

// NewServer validates the configuration.
func NewServer(cfg Config, dialer Dialer) (*Server, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, fmt.Errorf("%s: dialer required", invalidConfigPrefix)
	}
	return &Server{
		cfg:    normalized,
		dialer: dialer,
		log:    normalized.Logger,
		metrics: &Metrics{
			ConnectLatency: metrics.NewLatencySampler(latencySampleSize),
		},
		connCh:  make(chan net.Conn, normalized.MaxConnections),
		sema:    make(chan struct{}, normalized.MaxConnections),
		readyCh: make(chan struct{}),
	}, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("%s: listen address required", invalidConfigPrefix)
	}
	if (cfg.Username == "") != (cfg.Password == "") {
		return Config{}, fmt.Errorf("%s: username/password must both be set or both empty", invalidConfigPrefix)
	}
	if len(cfg.Username) > 255 || len(cfg.Password) > 255 {
		return Config{}, fmt.Errorf("%s: username/password too long", invalidConfigPrefix)
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.HandshakeTTL <= 0 {
		cfg.HandshakeTTL = defaultHandshakeTTL
	}
	if cfg.AcceptTTL <= 0 {
		cfg.AcceptTTL = defaultAcceptTTL
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	return cfg, nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the listener address once running.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Metrics exposes the frontend counters.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Serve runs until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	close(s.readyCh)
	s.mu.Unlock()

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.startMetricsLogger(ctx)

	acceptErr := s.acceptLoop(ctx)
	_ = listener.Close()
	close(s.connCh)
	s.wg.Wait()
	return acceptErr
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			if err := tcpListener.SetDeadline(time.Now().Add(s.cfg.AcceptTTL)); err != nil {
				return err
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return err
		}

		select {
		case s.sema <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		select {
		case s.connCh <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			<-s.sema
			return nil
		default:
			_ = conn.Close()
			<-s.sema
		}
	}
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-s.connCh:
			if !ok {
				return
			}
			if err := s.handleConn(ctx, conn); err != nil {
				_ = conn.Close()
			}
			select {
			case <-s.sema:
			default:
			}
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	start := time.Now()
	s.metrics.ActiveConns.Inc()
	defer s.metrics.ActiveConns.Dec()

	if err := conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTTL)); err != nil {
		return err
	}
	if err := s.negotiate(conn); err != nil {
		s.metrics.ConnectFailures.Add(1)
		s.logDebug("negotiate failed", "remote", conn.RemoteAddr().String(), "err", err)
		return err
	}
	if err := s.authenticate(conn); err != nil {
		s.metrics.ConnectFailures.Add(1)
		s.logDebug("auth failed", "remote", conn.RemoteAddr().String(), "err", err)
		return err
	}

	req, err := readRequest(conn)
	if err != nil {
		_ = writeReply(conn, replyGeneralFailure, addrTypeIPv4, []byte{0, 0, 0, 0}, 0)
		s.metrics.ConnectFailures.Add(1)
		return err
	}
	if req.command != cmdConnect {
		_ = writeReply(conn, replyCommandNotSupp, addrTypeIPv4, []byte{0, 0, 0, 0}, 0)
		s.metrics.ConnectFailures.Add(1)
		return fmt.Errorf("unsupported command: %d", req.command)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	tunnel, err := s.dialer.Connect(ctx, req.address)
	if err != nil {
		_ = writeReply(conn, replyGeneralFailure, addrTypeIPv4, []byte{0, 0, 0, 0}, 0)
		s.metrics.ConnectFailures.Add(1)
		s.logDebug("tunnel connect failed", "target", req.address, "err", err)
		return err
	}
	defer tunnel.Close()

	if err := writeReply(conn, replySuccess, addrTypeIPv4, []byte{0, 0, 0, 0}, 0); err != nil {
		s.metrics.ConnectFailures.Add(1)
		return err
	}

	s.metrics.ConnectSuccess.Add(1)
	s.metrics.ConnectLatency.Add(time.Since(start))
	s.logDebug("connect ok", "remote", conn.RemoteAddr().String(), "target", req.address)

	return s.relay(ctx, conn, tunnel)
}

// relay pumps bytes between the local client and the tunnel, extending
// idle deadlines where the endpoints support them.
func (s *Server) relay(ctx context.Context, client net.Conn, tunnel io.ReadWriteCloser) error {
	return fallback.RelayStreams(ctx.Done(), tunnel, client, fallback.RelayConfig{
		IdleTimeout: s.cfg.IdleTimeout,
		BufferSize:  relayBufferSize,
		CountAToB:   &s.metrics.BytesIn,
		CountBToA:   &s.metrics.BytesOut,
	})
}

func (s *Server) negotiate(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if header[0] != socksVersion {
		return fmt.Errorf("unsupported socks version: %d", header[0])
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	authRequired := s.cfg.Username != "" || s.cfg.Password != ""
	if authRequired {
		if !containsMethod(methods, authMethodUserPass) {
			_, _ = conn.Write([]byte{socksVersion, authMethodNoAccept})
			return errors.New("no acceptable auth method")
		}
		_, err := conn.Write([]byte{socksVersion, authMethodUserPass})
		return err
	}

	if !containsMethod(methods, authMethodNoAuth) {
		_, _ = conn.Write([]byte{socksVersion, authMethodNoAccept})
		return errors.New("no acceptable method (no-auth not offered)")
	}
	_, err := conn.Write([]byte{socksVersion, authMethodNoAuth})
	return err
}

func (s *Server) authenticate(conn net.Conn) error {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return nil
	}
	ver := make([]byte, 2)
	if _, err := io.ReadFull(conn, ver); err != nil {
		return err
	}
	if ver[0] != userPassVersion {
		_ = writeAuthReply(conn, 0x01)
		return fmt.Errorf("unsupported auth version: %d", ver[0])
	}

	username := make([]byte, int(ver[1]))
	if _, err := io.ReadFull(conn, username); err != nil {
		return err
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return err
	}
	password := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(conn, password); err != nil {
		return err
	}

	if string(username) != s.cfg.Username || string(password) != s.cfg.Password {
		s.metrics.AuthFailures.Add(1)
		_ = writeAuthReply(conn, 0x01)
		return errors.New("invalid credentials")
	}
	return writeAuthReply(conn, 0x00)
}

func (s *Server) startMetricsLogger(ctx context.Context) {
	if s.cfg.MetricsInterval <= 0 || s.log == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.logMetrics()
			}
		}
	}()
}

func (s *Server) logMetrics() {
	quantiles := s.metrics.ConnectLatency.SnapshotQuantiles([]float64{0.95, 0.99})
	s.log.Info("socks metrics",
		"active", s.metrics.ActiveConns.Load(),
		"auth_fail", s.metrics.AuthFailures.Load(),
		"connect_ok", s.metrics.ConnectSuccess.Load(),
		"connect_fail", s.metrics.ConnectFailures.Load(),
		"bytes_in", s.metrics.BytesIn.Load(),
		"bytes_out", s.metrics.BytesOut.Load(),
		"p95", quantiles[0.95],
		"p99", quantiles[0.99],
	)
}

func (s *Server) logDebug(msg string, args ...any) {
	if s.log != nil {
		s.log.Debug(msg, args...)
	}
}
