// Package congestion provides the per-connection congestion
// controller: a capability interface consumed by the connection state
// machine and a user-space BBR implementation behind it.
package congestion

import (
	"time"

	"github.com/bridgefall/veilquic/profile"
)

// Mode is the current controller phase.
type Mode int

const (
	Startup Mode = iota
	Drain
	ProbeBW
	ProbeRTT
)

func (m Mode) String() string {
	switch m {
	case Startup:
		return "startup"
	case Drain:
		return "drain"
	case ProbeBW:
		return "probe_bw"
	case ProbeRTT:
		return "probe_rtt"
	default:
		return "unknown"
	}
}

// AckSample is one delivery-rate measurement, produced by the
// connection's delivery tracker per acknowledgment.
type AckSample struct {
	Now        time.Time
	BytesAcked int64
	// Bandwidth is the measured delivery rate in bytes per second.
	Bandwidth int64
	RTT       time.Duration
	// Delivered is the total bytes delivered so far; PriorDelivered is
	// the total at the time the acked packet was sent. Together they
	// drive round-trip counting.
	Delivered      int64
	PriorDelivered int64
	// Inflight is the bytes left in flight after this acknowledgment.
	Inflight int64
}

// Controller governs pacing and the sending window of one connection.
// Implementations are owned by a single connection; BBR is the default
// and others can be substituted without touching the state machine.
type Controller interface {
	OnPacketSent(now time.Time, bytes int64)
	OnAck(sample AckSample)
	OnLoss(now time.Time, bytes int64)
	CanSend(inflight int64) bool
	PacingRate() int64
	CongestionWindow() int64
	Mode() Mode
}

// Config holds resolved BBR tunables.
type Config struct {
	MSS                   int64
	BandwidthWindowRounds int
	MinRTTWindow          time.Duration
	StartupGrowthRounds   int
	GainCycle             []float64
	ProbeRTTInterval      time.Duration
	ProbeRTTDuration      time.Duration
	InitialCwnd           int64
	MinCwnd               int64
	MaxCwnd               int64
	MinPacingRate         int64
	MaxPacingRate         int64
}

const defaultMSS = 1350

// DefaultGainCycle is the steady-state ProbeBW pacing gain cycle: one
// probing phase, one draining phase, six cruise phases.
var DefaultGainCycle = []float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

// ConfigFromProfile resolves profile tunables into a Config.
func ConfigFromProfile(p profile.BBRConfig, mss int64) Config {
	if mss <= 0 {
		mss = defaultMSS
	}
	cfg := Config{
		MSS:                   mss,
		BandwidthWindowRounds: p.BandwidthWindowRounds,
		MinRTTWindow:          p.MinRTTWindow.Duration,
		StartupGrowthRounds:   p.StartupGrowthRounds,
		GainCycle:             p.GainCycle,
		ProbeRTTInterval:      p.ProbeRTTInterval.Duration,
		ProbeRTTDuration:      p.ProbeRTTDuration.Duration,
		InitialCwnd:           int64(p.InitialCwndPackets) * mss,
		MinCwnd:               int64(p.MinCwndPackets) * mss,
		MaxCwnd:               p.MaxCwndBytes,
		MinPacingRate:         p.MinPacingRate,
		MaxPacingRate:         p.MaxPacingRate,
	}
	return cfg.withDefaults()
}

// WithDefaults returns the config with unset tunables resolved.
func (c Config) WithDefaults() Config {
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	out := c
	if out.MSS <= 0 {
		out.MSS = defaultMSS
	}
	if out.BandwidthWindowRounds <= 0 {
		out.BandwidthWindowRounds = 10
	}
	if out.MinRTTWindow <= 0 {
		out.MinRTTWindow = 10 * time.Second
	}
	if out.StartupGrowthRounds <= 0 {
		out.StartupGrowthRounds = 3
	}
	if len(out.GainCycle) == 0 {
		out.GainCycle = DefaultGainCycle
	}
	if out.ProbeRTTInterval <= 0 {
		out.ProbeRTTInterval = 10 * time.Second
	}
	if out.ProbeRTTDuration <= 0 {
		out.ProbeRTTDuration = 200 * time.Millisecond
	}
	if out.MinCwnd <= 0 {
		out.MinCwnd = 4 * out.MSS
	}
	if out.InitialCwnd <= 0 {
		out.InitialCwnd = 32 * out.MSS
	}
	if out.InitialCwnd < out.MinCwnd {
		out.InitialCwnd = out.MinCwnd
	}
	if out.MaxCwnd <= 0 {
		out.MaxCwnd = 8 << 20
	}
	if out.MinPacingRate <= 0 {
		out.MinPacingRate = 16 << 10
	}
	if out.MaxPacingRate <= 0 {
		out.MaxPacingRate = 1 << 30
	}
	return out
}
