package profile

import (
	"fmt"
	"time"

	"github.com/bridgefall/veilquic/commons/config"
)

// Profile defines the portable connection profile shared by client and
// server: authentication material, decoy target, 0-RTT policy, BBR
// tunables, and transport timeouts.
type Profile struct {
	Name              string           `json:"name"`
	ServerAddr        string           `json:"server_addr"`
	PresharedKey      string           `json:"preshared_key"`
	TicketKey         string           `json:"ticket_key,omitempty"`
	DecoyAddr         string           `json:"decoy_addr"`
	HandshakeTimeout  config.Duration  `json:"handshake_timeout"`
	HandshakeAttempts int              `json:"handshake_attempts"`
	PreambleDelayMs   int              `json:"preamble_delay_ms"`
	PreambleJitterMs  int              `json:"preamble_jitter_ms"`
	Auth              AuthConfig       `json:"auth"`
	Ticket            TicketConfig     `json:"ticket"`
	BBR               BBRConfig        `json:"bbr"`
	Timeouts          TimeoutConfig    `json:"timeouts"`
	Quic              QuicConfig       `json:"quic"`
	HandshakePadding  TransportPadding `json:"handshake_padding"`
}

// AuthConfig defines token freshness and server-side hardening knobs.
type AuthConfig struct {
	SkewSeconds     int `json:"skew_seconds"`
	ReplayCacheSize int `json:"replay_cache_size"`
	RateLimitPPS    int `json:"rate_limit_pps"`
	RateLimitBurst  int `json:"rate_limit_burst"`
}

// TicketConfig defines 0-RTT session ticket policy.
type TicketConfig struct {
	Validity  config.Duration `json:"validity"`
	MaxUses   int             `json:"max_uses"`
	CachePath string          `json:"cache_path,omitempty"`
}

// BBRConfig defines congestion controller tunables.
type BBRConfig struct {
	BandwidthWindowRounds int             `json:"bw_window_rounds"`
	MinRTTWindow          config.Duration `json:"min_rtt_window"`
	StartupGrowthRounds   int             `json:"startup_growth_rounds"`
	GainCycle             []float64       `json:"gain_cycle,omitempty"`
	ProbeRTTInterval      config.Duration `json:"probe_rtt_interval"`
	ProbeRTTDuration      config.Duration `json:"probe_rtt_duration"`
	InitialCwndPackets    int             `json:"initial_cwnd_packets"`
	MinCwndPackets        int             `json:"min_cwnd_packets"`
	MaxCwndBytes          int64           `json:"max_cwnd_bytes"`
	MinPacingRate         int64           `json:"min_pacing_rate"`
	MaxPacingRate         int64           `json:"max_pacing_rate"`
}

// TimeoutConfig defines connection lifecycle timeouts.
type TimeoutConfig struct {
	Idle      config.Duration `json:"idle"`
	Drain     config.Duration `json:"drain"`
	KeepAlive config.Duration `json:"keepalive"`
}

// QuicConfig defines settings for the quicmux established path.
type QuicConfig struct {
	MaxPacketSize int             `json:"max_packet_size"`
	KeepAlive     config.Duration `json:"keepalive"`
	IdleTimeout   config.Duration `json:"idle_timeout"`
	MaxStreams    int             `json:"max_streams"`
}

// Defaults applied by the Resolve methods. Freshness windows, ticket
// bounds, and gain values are deployment policy, not protocol
// constants.
const (
	DefaultSkewSeconds      = 120
	DefaultReplayCacheSize  = 8192
	DefaultTicketValidity   = 6 * time.Hour
	DefaultTicketMaxUses    = 8
	DefaultIdleTimeout      = 2 * time.Minute
	DefaultDrainInterval    = 3 * time.Second
	DefaultKeepAlive        = 20 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultQuicPacketSize   = 1350
	DefaultQuicMaxStreams   = 256
)

// ResolveAuth fills defaults and validates the auth section.
func (c AuthConfig) Resolve() (AuthConfig, error) {
	out := c
	if out.SkewSeconds == 0 {
		out.SkewSeconds = DefaultSkewSeconds
	}
	if out.SkewSeconds < 0 {
		return AuthConfig{}, fmt.Errorf("skew_seconds must be >= 0")
	}
	if out.ReplayCacheSize == 0 {
		out.ReplayCacheSize = DefaultReplayCacheSize
	}
	if out.ReplayCacheSize < 0 {
		return AuthConfig{}, fmt.Errorf("replay_cache_size must be >= 0")
	}
	return out, nil
}

// Skew returns the resolved token freshness tolerance.
func (c AuthConfig) Skew() time.Duration {
	s := c.SkewSeconds
	if s <= 0 {
		s = DefaultSkewSeconds
	}
	return time.Duration(s) * time.Second
}

// Resolve fills defaults and validates the ticket section.
func (c TicketConfig) Resolve() (TicketConfig, error) {
	out := c
	if out.Validity.Duration == 0 {
		out.Validity = config.Duration{Duration: DefaultTicketValidity}
	}
	if out.Validity.Duration < 0 {
		return TicketConfig{}, fmt.Errorf("ticket validity must be > 0")
	}
	if out.MaxUses == 0 {
		out.MaxUses = DefaultTicketMaxUses
	}
	if out.MaxUses < 0 {
		return TicketConfig{}, fmt.Errorf("ticket max_uses must be > 0")
	}
	return out, nil
}

// Resolve fills defaults and validates the timeout section.
func (c TimeoutConfig) Resolve() TimeoutConfig {
	out := c
	if out.Idle.Duration == 0 {
		out.Idle = config.Duration{Duration: DefaultIdleTimeout}
	}
	if out.Drain.Duration == 0 {
		out.Drain = config.Duration{Duration: DefaultDrainInterval}
	}
	if out.KeepAlive.Duration == 0 {
		out.KeepAlive = config.Duration{Duration: DefaultKeepAlive}
	}
	return out
}

// Validate checks the profile for structural problems. Key material is
// decoded by the consumer.
func (p Profile) Validate() error {
	if p.ServerAddr == "" {
		return fmt.Errorf("server_addr required")
	}
	if p.PresharedKey == "" {
		return fmt.Errorf("preshared_key required")
	}
	if _, err := p.Auth.Resolve(); err != nil {
		return err
	}
	if _, err := p.Ticket.Resolve(); err != nil {
		return err
	}
	if _, err := p.HandshakePadding.Resolve(); err != nil {
		return err
	}
	return nil
}
