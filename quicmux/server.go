package quicmux

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/bridgefall/veilquic/commons/metrics"
	"github.com/bridgefall/veilquic/fallback"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
)

// ALPN spoken inside the gated QUIC session.
const quicALPN = "veilquic-mux"

const (
	defaultDialTimeout     = 5 * time.Second
	defaultIdleTimeout     = 2 * time.Minute
	defaultMetricsInterval = 10 * time.Second
	latencySampleSize      = 256
	relayBufferSize        = 32 * 1024
)

const invalidConfigPrefix = "invalid config"

// ServerConfig defines the proxy endpoint behavior behind the gate.
type ServerConfig struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	MetricsInterval  time.Duration
	Logger           *slog.Logger
}

// ProxyMetrics captures stream proxying counters.
type ProxyMetrics struct {
	ActiveStreams   metrics.Gauge
	ConnectSuccess  metrics.Counter
	ConnectFailures metrics.Counter
	BytesIn         metrics.Counter
	BytesOut        metrics.Counter
	ConnectLatency  *metrics.LatencySampler
}

func newProxyMetrics() *ProxyMetrics {
	return &ProxyMetrics{
		ConnectLatency: metrics.NewLatencySampler(latencySampleSize),
	}
}

// Server accepts gated QUIC sessions and serves one CONNECT proxy
// exchange per stream.
type Server struct {
	cfg     ServerConfig
	prof    profile.Profile
	log     *slog.Logger
	metrics *ProxyMetrics
	gateM   *GateMetrics

	readyCh chan struct{}
	addr    net.Addr
}

// NewServer validates the profile and configuration.
func NewServer(prof profile.Profile, cfg ServerConfig) (*Server, error) {
	if err := prof.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", invalidConfigPrefix, err)
	}
	if prof.DecoyAddr == "" {
		return nil, fmt.Errorf("%s: decoy_addr required", invalidConfigPrefix)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = profile.DefaultHandshakeTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	return &Server{
		cfg:     cfg,
		prof:    prof,
		log:     cfg.Logger,
		metrics: newProxyMetrics(),
		gateM:   &GateMetrics{},
		readyCh: make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is up.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the UDP listen address once Ready.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Metrics exposes the proxy counters.
func (s *Server) Metrics() *ProxyMetrics {
	return s.metrics
}

// GateMetrics exposes the gate counters.
func (s *Server) GateMetrics() *GateMetrics {
	return s.gateM
}

// Serve listens on the profile address and runs until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	udpConn, err := net.ListenPacket("udp", s.prof.ServerAddr)
	if err != nil {
		return err
	}
	gateOpts, err := s.gateOptions()
	if err != nil {
		_ = udpConn.Close()
		return err
	}
	gate := NewServerConn(udpConn, gateOpts)

	tlsConf, err := serverTLSConfig()
	if err != nil {
		_ = gate.Close()
		return err
	}
	listener, err := quic.Listen(gate, tlsConf, quicConfigFrom(s.prof.Quic))
	if err != nil {
		_ = gate.Close()
		return err
	}

	s.addr = udpConn.LocalAddr()
	close(s.readyCh)
	s.startMetricsLogger(ctx)

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			_ = listener.Close()
			_ = gate.Close()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) gateOptions() (GateOptions, error) {
	psk, err := jls.DecodeKeyBase64(s.prof.PresharedKey)
	if err != nil {
		return GateOptions{}, fmt.Errorf("%s: preshared key: %w", invalidConfigPrefix, err)
	}
	auth, err := s.prof.Auth.Resolve()
	if err != nil {
		return GateOptions{}, err
	}
	padding, err := s.prof.HandshakePadding.Resolve()
	if err != nil {
		return GateOptions{}, err
	}
	return GateOptions{
		PSK:             psk,
		DecoyAddr:       s.prof.DecoyAddr,
		Skew:            auth.Skew(),
		ReplayCacheSize: auth.ReplayCacheSize,
		RateLimitPPS:    auth.RateLimitPPS,
		RateLimitBurst:  auth.RateLimitBurst,
		Padding:         padding,
		FallbackIdle:    s.cfg.IdleTimeout,
		Logger:          s.log,
		Metrics:         s.gateM,
	}, nil
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.handleStream(ctx, stream)
	}
}

func (s *Server) handleStream(ctx context.Context, stream quic.Stream) {
	start := time.Now()
	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()
	defer stream.Close()

	setStreamReadDeadline(stream, time.Now().Add(s.cfg.HandshakeTimeout))
	target, err := readProxyRequest(stream)
	if err != nil {
		_ = writeProxyReply(stream, statusBadRequest, addrTypeIPv4, []byte{0, 0, 0, 0}, 0)
		s.metrics.ConnectFailures.Add(1)
		return
	}

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		_ = writeProxyReply(stream, statusFailure, addrTypeIPv4, []byte{0, 0, 0, 0}, 0)
		s.metrics.ConnectFailures.Add(1)
		s.logDebug("upstream dial failed", "target", target, "err", err)
		return
	}
	defer upstream.Close()

	atyp, addrBytes, port, err := addrToReply(upstream.LocalAddr())
	if err != nil {
		_ = writeProxyReply(stream, statusFailure, addrTypeIPv4, []byte{0, 0, 0, 0}, 0)
		s.metrics.ConnectFailures.Add(1)
		return
	}
	if err := writeProxyReply(stream, statusSuccess, atyp, addrBytes, port); err != nil {
		s.metrics.ConnectFailures.Add(1)
		return
	}

	setStreamReadDeadline(stream, time.Time{})
	s.metrics.ConnectSuccess.Add(1)
	s.metrics.ConnectLatency.Add(time.Since(start))
	s.logDebug("proxy connect", "target", target)

	_ = fallback.RelayStreams(ctx.Done(), stream, upstream, fallback.RelayConfig{
		IdleTimeout: s.cfg.IdleTimeout,
		BufferSize:  relayBufferSize,
		CountAToB:   &s.metrics.BytesIn,
		CountBToA:   &s.metrics.BytesOut,
	})
}

func (s *Server) startMetricsLogger(ctx context.Context) {
	if s.cfg.MetricsInterval <= 0 || s.log == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	go func() {
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
	s.log.Info("mux metrics",
		"active", s.metrics.ActiveStreams.Load(),
		"connect_ok", s.metrics.ConnectSuccess.Load(),
		"connect_fail", s.metrics.ConnectFailures.Load(),
		"bytes_in", s.metrics.BytesIn.Load(),
		"bytes_out", s.metrics.BytesOut.Load(),
		"gate_auth", s.gateM.Authenticated.Load(),
		"gate_reject", s.gateM.Rejected.Load(),
		"gate_replay", s.gateM.Replayed.Load(),
		"gate_rate_limit", s.gateM.RateLimited.Load(),
		"p95", quantiles[0.95],
		"p99", quantiles[0.99],
	)
}

func (s *Server) logDebug(msg string, args ...any) {
	if s.log != nil {
		s.log.Debug(msg, args...)
	}
}

// quicConfigFrom resolves the profile QUIC knobs into a quic-go
// config, clamping the initial packet size to a usable UDP range.
func quicConfigFrom(q profile.QuicConfig) *quic.Config {
	maxStreams := q.MaxStreams
	if maxStreams <= 0 {
		maxStreams = profile.DefaultQuicMaxStreams
	}
	keepAlive := q.KeepAlive.Duration
	if keepAlive <= 0 {
		keepAlive = profile.DefaultKeepAlive
	}
	idle := q.IdleTimeout.Duration
	if idle <= 0 {
		idle = profile.DefaultIdleTimeout
	}
	cfg := &quic.Config{
		MaxIncomingStreams:    int64(maxStreams),
		MaxIncomingUniStreams: 0,
		KeepAlivePeriod:       keepAlive,
		MaxIdleTimeout:        idle,
	}
	target := q.MaxPacketSize
	if target <= 0 {
		target = profile.DefaultQuicPacketSize
	}
	if target >= 1200 {
		if target > 1452 {
			target = 1452
		}
		cfg.InitialPacketSize = uint16(target)
		cfg.DisablePathMTUDiscovery = true
	}
	return cfg
}

func setStreamReadDeadline(stream quic.Stream, t time.Time) {
	if setter, ok := any(stream).(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = setter.SetReadDeadline(t)
	}
}

func serverTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  key,
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}
