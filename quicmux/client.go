package quicmux

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
)

// Client dials the gated QUIC endpoint and opens one proxy stream per
// Connect call, reusing a single session across streams and redialing
// when the session dies.
type Client struct {
	prof profile.Profile
	log  *slog.Logger

	mu   sync.Mutex
	conn quic.Connection
	pc   net.PacketConn
}

// NewClient validates the profile. No traffic is sent until Connect.
func NewClient(prof profile.Profile, logger *slog.Logger) (*Client, error) {
	if err := prof.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", invalidConfigPrefix, err)
	}
	return &Client{prof: prof, log: logger}, nil
}

// Connect opens a stream to target through the proxy. A stale session
// is redialed once. The result satisfies the frontend dialer shape.
func (c *Client) Connect(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := c.openProxyStream(ctx, conn, target)
	if err == nil {
		return stream, nil
	}
	c.reset("open stream failed")
	conn, dialErr := c.getConn(ctx)
	if dialErr != nil {
		return nil, err
	}
	return c.openProxyStream(ctx, conn, target)
}

func (c *Client) openProxyStream(ctx context.Context, conn quic.Connection, target string) (quic.Stream, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	req, err := buildProxyRequest(target)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	timeout := c.prof.HandshakeTimeout.Duration
	if timeout <= 0 {
		timeout = profile.DefaultHandshakeTimeout
	}
	setStreamDeadline(stream, time.Now().Add(timeout))
	if _, err := stream.Write(req); err != nil {
		_ = stream.Close()
		return nil, err
	}
	status, err := readProxyReply(stream)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	if status != statusSuccess {
		_ = stream.Close()
		return nil, fmt.Errorf("proxy rejected request: %d", status)
	}
	setStreamDeadline(stream, time.Time{})
	return stream, nil
}

func (c *Client) getConn(ctx context.Context) (quic.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.Context().Err() == nil {
		return c.conn, nil
	}
	if c.conn != nil {
		_ = c.conn.CloseWithError(0, "reconnect")
		c.conn = nil
	}
	if c.pc != nil {
		_ = c.pc.Close()
		c.pc = nil
	}

	conn, pc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.pc = pc
	go func(conn quic.Connection, pc net.PacketConn) {
		<-conn.Context().Done()
		_ = pc.Close()
	}(conn, pc)
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (quic.Connection, net.PacketConn, error) {
	psk, err := jls.DecodeKeyBase64(c.prof.PresharedKey)
	if err != nil {
		return nil, nil, err
	}
	padding, err := c.prof.HandshakePadding.Resolve()
	if err != nil {
		return nil, nil, err
	}
	remote, err := net.ResolveUDPAddr("udp", c.prof.ServerAddr)
	if err != nil {
		return nil, nil, err
	}
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, nil, err
	}
	err = ClientHandshake(pc, remote, HandshakeOptions{
		PSK:      psk,
		Skew:     c.prof.Auth.Skew(),
		Timeout:  c.prof.HandshakeTimeout.Duration,
		Attempts: c.prof.HandshakeAttempts,
		Padding:  padding,
	})
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
	conn, err := quic.Dial(ctx, pc, remote, tlsConf, quicConfigFrom(c.prof.Quic))
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	c.logDebug("mux session up", "server", c.prof.ServerAddr)
	return conn, pc, nil
}

func (c *Client) reset(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.CloseWithError(0, reason)
		c.conn = nil
	}
	if c.pc != nil {
		_ = c.pc.Close()
		c.pc = nil
	}
}

// Close tears the session down.
func (c *Client) Close() error {
	c.reset("client closed")
	return nil
}

func (c *Client) logDebug(msg string, args ...any) {
	if c.log != nil {
		c.log.Debug(msg, args...)
	}
}

func setStreamDeadline(stream quic.Stream, t time.Time) {
	if setter, ok := any(stream).(interface{ SetDeadline(time.Time) error }); ok {
		_ = setter.SetDeadline(t)
		return
	}
	setStreamReadDeadline(stream, t)
}
