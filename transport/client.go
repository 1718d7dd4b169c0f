package transport

import (
	"context"
	"errors"
	"log/slog"
	mrand "math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/bridgefall/veilquic/congestion"
	"github.com/bridgefall/veilquic/conn"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
	"github.com/bridgefall/veilquic/ticket"
)

// ErrHandshakeFailed is returned when every dial attempt expired
// without reaching Established. A server relaying us to its decoy
// looks exactly like this.
var ErrHandshakeFailed = errors.New("transport: handshake failed")

const establishPollInterval = 5 * time.Millisecond

// ClientOptions configures a dialer.
type ClientOptions struct {
	Profile profile.Profile
	// Tickets enables 0-RTT resumption across dials; may be nil.
	Tickets *ticket.Cache
	Logger  *slog.Logger
}

// Client is one dialed connection and its I/O goroutines.
type Client struct {
	Conn *conn.Connection

	pc        net.PacketConn
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the profile's server, consulting the ticket cache
// for a 0-RTT attempt and retrying with the configured preamble
// delay between attempts.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	p := opts.Profile
	if err := p.Validate(); err != nil {
		return nil, err
	}
	psk, err := jls.DecodeKeyBase64(p.PresharedKey)
	if err != nil {
		return nil, err
	}
	auth, err := p.Auth.Resolve()
	if err != nil {
		return nil, err
	}
	padding, err := p.HandshakePadding.Resolve()
	if err != nil {
		return nil, err
	}
	timeouts := p.Timeouts.Resolve()
	raddr, err := net.ResolveUDPAddr("udp", p.ServerAddr)
	if err != nil {
		return nil, err
	}

	attempts := p.HandshakeAttempts
	if attempts <= 0 {
		attempts = 1
	}
	handshakeTimeout := p.HandshakeTimeout.Duration
	if handshakeTimeout <= 0 {
		handshakeTimeout = profile.DefaultHandshakeTimeout
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := preambleWait(ctx, p, attempt); err != nil {
			return nil, err
		}
		cl, err := dialOnce(ctx, dialParams{
			raddr:            raddr,
			psk:              psk,
			skew:             auth.Skew(),
			identity:         p.ServerAddr,
			tickets:          opts.Tickets,
			congestion:       congestion.ConfigFromProfile(p.BBR, int64(p.Quic.MaxPacketSize)),
			padding:          padding,
			idleTimeout:      timeouts.Idle.Duration,
			drainInterval:    timeouts.Drain.Duration,
			keepAlive:        timeouts.KeepAlive.Duration,
			handshakeTimeout: handshakeTimeout,
			logger:           opts.Logger,
		})
		if err == nil {
			return cl, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrHandshakeFailed
	}
	return nil, lastErr
}

// preambleWait applies the configured delay plus jitter before an
// attempt, shaping the dial timing.
func preambleWait(ctx context.Context, p profile.Profile, attempt int) error {
	if attempt == 0 && p.PreambleDelayMs <= 0 {
		return nil
	}
	delay := time.Duration(p.PreambleDelayMs) * time.Millisecond
	if p.PreambleJitterMs > 0 {
		delay += time.Duration(mrand.IntN(p.PreambleJitterMs+1)) * time.Millisecond
	}
	if attempt > 0 && delay <= 0 {
		delay = 50 * time.Millisecond
	}
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

type dialParams struct {
	raddr            *net.UDPAddr
	psk              [jls.KeySize]byte
	skew             time.Duration
	identity         string
	tickets          *ticket.Cache
	congestion       congestion.Config
	padding          profile.PaddingPolicy
	idleTimeout      time.Duration
	drainInterval    time.Duration
	keepAlive        time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

func dialOnce(ctx context.Context, p dialParams) (*Client, error) {
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}
	cl := &Client{
		pc:   pc,
		done: make(chan struct{}),
	}
	c, err := conn.NewClient(conn.Config{
		PSK:              p.psk,
		Skew:             p.skew,
		Identity:         p.identity,
		Tickets:          p.tickets,
		Congestion:       p.congestion,
		Padding:          p.padding,
		IdleTimeout:      p.idleTimeout,
		DrainInterval:    p.drainInterval,
		KeepAlive:        p.keepAlive,
		HandshakeTimeout: p.handshakeTimeout,
		Logger:           p.logger,
		Send: func(b []byte) error {
			_, err := pc.WriteTo(b, p.raddr)
			return err
		},
	})
	if err != nil {
		pc.Close()
		return nil, err
	}
	cl.Conn = c

	cl.wg.Add(2)
	go cl.readLoop()
	go cl.driveTimers()

	if err := c.Start(); err != nil {
		cl.Close()
		return nil, err
	}

	deadline := time.Now().Add(p.handshakeTimeout + 500*time.Millisecond)
	for {
		switch c.Phase() {
		case conn.Established:
			return cl, nil
		case conn.Closing, conn.Drained:
			cl.Close()
			return nil, ErrHandshakeFailed
		}
		if time.Now().After(deadline) {
			cl.Close()
			return nil, ErrHandshakeFailed
		}
		select {
		case <-ctx.Done():
			cl.Close()
			return nil, ctx.Err()
		case <-time.After(establishPollInterval):
		}
	}
}

func (cl *Client) readLoop() {
	defer cl.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := cl.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if _, err := cl.Conn.HandleDatagram(pkt, time.Now()); err != nil {
			return
		}
	}
}

func (cl *Client) driveTimers() {
	defer cl.wg.Done()
	for {
		wait := timerGranule
		if at, ok := cl.Conn.NextTimeout(); ok {
			if d := time.Until(at); d < wait {
				wait = d
			}
			if wait < 0 {
				wait = 0
			}
		}
		select {
		case <-cl.done:
			return
		case <-time.After(wait):
		}
		cl.Conn.Advance(time.Now())
		if cl.Conn.Phase() == conn.Drained {
			return
		}
	}
}

// Close shuts the connection and its socket down.
func (cl *Client) Close() error {
	cl.closeOnce.Do(func() {
		_ = cl.Conn.Close()
		close(cl.done)
		_ = cl.pc.Close()
		cl.wg.Wait()
	})
	return nil
}
