package fallback

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/veilquic/commons/metrics"
)

// DefaultBufferSize is the per-direction copy buffer for stream relays.
const DefaultBufferSize = 32 * 1024

// RelayConfig tunes RelayStreams.
type RelayConfig struct {
	// IdleTimeout bounds the gap between reads in either direction on
	// endpoints that support read deadlines. Zero means no bound.
	IdleTimeout time.Duration
	BufferSize  int

	// Optional byte counters, one per direction.
	CountAToB *metrics.Counter
	CountBToA *metrics.Counter
}

// RelayStreams pumps bytes between a and b until either direction ends
// or ctxDone fires, then tears both endpoints down so the opposite
// direction unblocks. An endpoint supporting CloseWrite is half-closed
// once its source drains. Returns the first non-EOF error, or nil when
// the relay was cut short by ctxDone.
func RelayStreams(ctxDone <-chan struct{}, a, b io.ReadWriteCloser, cfg RelayConfig) error {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			abortRead(a)
			abortRead(b)
			_ = a.Close()
			_ = b.Close()
		})
	}

	var canceled atomic.Bool
	finished := make(chan struct{})
	defer close(finished)
	if ctxDone != nil {
		go func() {
			select {
			case <-ctxDone:
				canceled.Store(true)
				closeBoth()
			case <-finished:
			}
		}()
	}

	errCh := make(chan error, 2)
	pump := func(dst, src io.ReadWriteCloser, count *metrics.Counter) {
		err := copyStream(dst, src, cfg.IdleTimeout, cfg.BufferSize, count)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errCh <- err
	}
	go pump(b, a, cfg.CountAToB)
	go pump(a, b, cfg.CountBToA)

	firstErr := <-errCh
	closeBoth()
	<-errCh

	if canceled.Load() {
		return nil
	}
	if firstErr != nil && !errors.Is(firstErr, io.EOF) {
		return firstErr
	}
	return nil
}

// copyStream moves bytes from src to dst, arming a fresh read deadline
// per iteration when src supports one.
func copyStream(dst io.Writer, src io.Reader, idle time.Duration, size int, count *metrics.Counter) error {
	buf := make([]byte, size)
	for {
		if idle > 0 {
			if d, ok := src.(interface{ SetReadDeadline(time.Time) error }); ok {
				_ = d.SetReadDeadline(time.Now().Add(idle))
			}
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if count != nil {
				count.Add(int64(n))
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			return readErr
		}
	}
}

// abortRead wakes a blocked reader on endpoints whose Close does not
// interrupt reads, such as a QUIC stream's receive side.
func abortRead(v any) {
	if d, ok := v.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = d.SetReadDeadline(time.Now())
	}
}
