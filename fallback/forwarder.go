// Package fallback disguises rejected handshakes: the peer's datagrams
// are relayed to a configured decoy upstream in both directions, so a
// probing client observes a normal pass-through connection instead of
// a rejection. It also provides the stream relay helpers used on the
// established proxy path.
package fallback

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/veilquic/commons/metrics"
)

const (
	defaultIdleTimeout = 90 * time.Second
	maxDatagramSize    = 64 * 1024
)

// Metrics tracks forwarder-level counters shared by all sessions.
type Metrics struct {
	Active       metrics.Gauge
	Started      metrics.Counter
	DialFailures metrics.Counter
	BytesToDecoy metrics.Counter
	BytesToPeer  metrics.Counter
}

// Forwarder creates fallback sessions toward one decoy upstream.
type Forwarder struct {
	decoyAddr string
	idle      time.Duration
	log       *slog.Logger
	metrics   *Metrics
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithIdleTimeout sets the session idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.idle = d
		}
	}
}

// WithLogger attaches a logger for local diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.log = l }
}

// WithMetrics attaches counters.
func WithMetrics(m *Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// New creates a forwarder relaying to decoyAddr.
func New(decoyAddr string, opts ...Option) *Forwarder {
	f := &Forwarder{
		decoyAddr: decoyAddr,
		idle:      defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Session is one active fallback relay. Created exactly once per
// rejected connection; a rejected connection never re-enters the
// handshake.
type Session struct {
	fwd       *Forwarder
	decoy     net.Conn
	writePeer func([]byte) error

	bytesToDecoy atomic.Int64
	bytesToPeer  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// Begin opens a session to the decoy, replays the bytes received
// before rejection, and starts relaying. When the decoy is unreachable
// the returned session silently absorbs the peer's datagrams: the peer
// sees a dead host, never a distinguishing error.
func (f *Forwarder) Begin(initialBytes []byte, writePeer func([]byte) error) *Session {
	s := &Session{
		fwd:       f,
		writePeer: writePeer,
		done:      make(chan struct{}),
	}
	if f.metrics != nil {
		f.metrics.Started.Add(1)
	}

	decoy, err := net.Dial("udp", f.decoyAddr)
	if err != nil {
		if f.metrics != nil {
			f.metrics.DialFailures.Add(1)
		}
		if f.log != nil {
			f.log.Warn("decoy unreachable", "decoy", f.decoyAddr, "err", err)
		}
		s.closeOnce.Do(func() { close(s.done) })
		return s
	}
	s.decoy = decoy
	if f.metrics != nil {
		f.metrics.Active.Inc()
	}

	if len(initialBytes) > 0 {
		s.forwardToDecoy(initialBytes)
	}
	go s.relayFromDecoy()
	return s
}

// HandleDatagram forwards one peer datagram to the decoy. Safe to call
// after the session ended; the datagram is then dropped, matching what
// a dead decoy would do.
func (s *Session) HandleDatagram(b []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	if s.decoy == nil {
		return
	}
	s.forwardToDecoy(b)
}

func (s *Session) forwardToDecoy(b []byte) {
	_ = s.decoy.SetWriteDeadline(time.Now().Add(s.fwd.idle))
	n, err := s.decoy.Write(b)
	if err != nil {
		s.Close()
		return
	}
	s.bytesToDecoy.Add(int64(n))
	if s.fwd.metrics != nil {
		s.fwd.metrics.BytesToDecoy.Add(int64(n))
	}
	// peer activity extends the session
	_ = s.decoy.SetReadDeadline(time.Now().Add(s.fwd.idle))
}

// relayFromDecoy pumps decoy responses back to the peer until the
// decoy closes, errors, or goes idle.
func (s *Session) relayFromDecoy() {
	defer s.Close()
	buf := make([]byte, maxDatagramSize)
	for {
		_ = s.decoy.SetReadDeadline(time.Now().Add(s.fwd.idle))
		n, err := s.decoy.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			if werr := s.writePeer(out); werr != nil {
				return
			}
			s.bytesToPeer.Add(int64(n))
			if s.fwd.metrics != nil {
				s.fwd.metrics.BytesToPeer.Add(int64(n))
			}
		}
		if err != nil {
			return
		}
	}
}

// Close ends the session and releases the decoy socket.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.decoy != nil {
			_ = s.decoy.Close()
			if s.fwd.metrics != nil {
				s.fwd.metrics.Active.Dec()
			}
		}
		close(s.done)
	})
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns the relayed byte counts.
func (s *Session) Stats() (toDecoy, toPeer int64) {
	return s.bytesToDecoy.Load(), s.bytesToPeer.Load()
}
