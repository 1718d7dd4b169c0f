// Package cborprofile converts profiles to and from a compact CBOR
// form with integer keys, suitable for QR codes and share links.
package cborprofile

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/bridgefall/veilquic/commons/config"
	"github.com/bridgefall/veilquic/profile"
)

const Version = 1

const (
	keyVersion           uint64 = 0
	keyName              uint64 = 1
	keyServerAddr        uint64 = 2
	keyPresharedKey      uint64 = 3
	keyDecoyAddr         uint64 = 4
	keyHandshakeTimeout  uint64 = 5
	keyHandshakeAttempts uint64 = 6
	keyPreambleDelay     uint64 = 7
	keyPreambleJitter    uint64 = 8
	keyAuth              uint64 = 9
	keyTicket            uint64 = 10
	keyBBR               uint64 = 11
	keyTimeouts          uint64 = 12
	keyQuic              uint64 = 13
	keyPadding           uint64 = 14
)

const (
	keyAuthSkewSeconds     uint64 = 1
	keyAuthReplayCacheSize uint64 = 2
	keyAuthRateLimitPPS    uint64 = 3
	keyAuthRateLimitBurst  uint64 = 4
)

const (
	keyTicketValidity uint64 = 1
	keyTicketMaxUses  uint64 = 2
)

const (
	keyBBRBwWindowRounds   uint64 = 1
	keyBBRMinRTTWindow     uint64 = 2
	keyBBRStartupRounds    uint64 = 3
	keyBBRProbeRTTInterval uint64 = 4
	keyBBRProbeRTTDuration uint64 = 5
	keyBBRInitialCwnd      uint64 = 6
	keyBBRMinCwnd          uint64 = 7
	keyBBRMaxCwndBytes     uint64 = 8
	keyBBRMinPacingRate    uint64 = 9
	keyBBRMaxPacingRate    uint64 = 10
)

const (
	keyTimeoutIdle      uint64 = 1
	keyTimeoutDrain     uint64 = 2
	keyTimeoutKeepAlive uint64 = 3
)

const (
	keyQuicMaxPacketSize uint64 = 1
	keyQuicKeepAlive     uint64 = 2
	keyQuicIdleTimeout   uint64 = 3
	keyQuicMaxStreams    uint64 = 4
)

const (
	keyPadMin       uint64 = 1
	keyPadMax       uint64 = 2
	keyPadBurstMin  uint64 = 3
	keyPadBurstMax  uint64 = 4
	keyPadBurstProb uint64 = 5
)

// EncodeProfile converts a profile into deterministic CBOR bytes.
// The ticket key is never included; it stays on the server.
func EncodeProfile(p profile.Profile) ([]byte, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server_addr required")
	}
	if p.PresharedKey == "" {
		return nil, fmt.Errorf("preshared_key required")
	}
	payload := map[uint64]any{
		keyVersion:      uint64(Version),
		keyServerAddr:   p.ServerAddr,
		keyPresharedKey: p.PresharedKey,
	}
	if p.Name != "" {
		payload[keyName] = p.Name
	}
	if p.DecoyAddr != "" {
		payload[keyDecoyAddr] = p.DecoyAddr
	}
	if p.HandshakeTimeout.Duration > 0 {
		payload[keyHandshakeTimeout] = uint64(p.HandshakeTimeout.Duration / time.Millisecond)
	}
	if p.HandshakeAttempts > 0 {
		payload[keyHandshakeAttempts] = uint64(p.HandshakeAttempts)
	}
	if p.PreambleDelayMs > 0 {
		payload[keyPreambleDelay] = uint64(p.PreambleDelayMs)
	}
	if p.PreambleJitterMs > 0 {
		payload[keyPreambleJitter] = uint64(p.PreambleJitterMs)
	}
	if auth := encodeAuth(p.Auth); len(auth) > 0 {
		payload[keyAuth] = auth
	}
	if tk := encodeTicket(p.Ticket); len(tk) > 0 {
		payload[keyTicket] = tk
	}
	if bbr := encodeBBR(p.BBR); len(bbr) > 0 {
		payload[keyBBR] = bbr
	}
	if to := encodeTimeouts(p.Timeouts); len(to) > 0 {
		payload[keyTimeouts] = to
	}
	if q := encodeQuic(p.Quic); len(q) > 0 {
		payload[keyQuic] = q
	}
	if pad := encodePadding(p.HandshakePadding); len(pad) > 0 {
		payload[keyPadding] = pad
	}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(payload)
}

func encodeAuth(a profile.AuthConfig) map[uint64]any {
	out := map[uint64]any{}
	if a.SkewSeconds > 0 {
		out[keyAuthSkewSeconds] = uint64(a.SkewSeconds)
	}
	if a.ReplayCacheSize > 0 {
		out[keyAuthReplayCacheSize] = uint64(a.ReplayCacheSize)
	}
	if a.RateLimitPPS > 0 {
		out[keyAuthRateLimitPPS] = uint64(a.RateLimitPPS)
	}
	if a.RateLimitBurst > 0 {
		out[keyAuthRateLimitBurst] = uint64(a.RateLimitBurst)
	}
	return out
}

func encodeTicket(t profile.TicketConfig) map[uint64]any {
	out := map[uint64]any{}
	if t.Validity.Duration > 0 {
		out[keyTicketValidity] = uint64(t.Validity.Duration / time.Second)
	}
	if t.MaxUses > 0 {
		out[keyTicketMaxUses] = uint64(t.MaxUses)
	}
	return out
}

func encodeBBR(b profile.BBRConfig) map[uint64]any {
	out := map[uint64]any{}
	if b.BandwidthWindowRounds > 0 {
		out[keyBBRBwWindowRounds] = uint64(b.BandwidthWindowRounds)
	}
	if b.MinRTTWindow.Duration > 0 {
		out[keyBBRMinRTTWindow] = uint64(b.MinRTTWindow.Duration / time.Millisecond)
	}
	if b.StartupGrowthRounds > 0 {
		out[keyBBRStartupRounds] = uint64(b.StartupGrowthRounds)
	}
	if b.ProbeRTTInterval.Duration > 0 {
		out[keyBBRProbeRTTInterval] = uint64(b.ProbeRTTInterval.Duration / time.Millisecond)
	}
	if b.ProbeRTTDuration.Duration > 0 {
		out[keyBBRProbeRTTDuration] = uint64(b.ProbeRTTDuration.Duration / time.Millisecond)
	}
	if b.InitialCwndPackets > 0 {
		out[keyBBRInitialCwnd] = uint64(b.InitialCwndPackets)
	}
	if b.MinCwndPackets > 0 {
		out[keyBBRMinCwnd] = uint64(b.MinCwndPackets)
	}
	if b.MaxCwndBytes > 0 {
		out[keyBBRMaxCwndBytes] = uint64(b.MaxCwndBytes)
	}
	if b.MinPacingRate > 0 {
		out[keyBBRMinPacingRate] = uint64(b.MinPacingRate)
	}
	if b.MaxPacingRate > 0 {
		out[keyBBRMaxPacingRate] = uint64(b.MaxPacingRate)
	}
	return out
}

func encodeTimeouts(t profile.TimeoutConfig) map[uint64]any {
	out := map[uint64]any{}
	if t.Idle.Duration > 0 {
		out[keyTimeoutIdle] = uint64(t.Idle.Duration / time.Millisecond)
	}
	if t.Drain.Duration > 0 {
		out[keyTimeoutDrain] = uint64(t.Drain.Duration / time.Millisecond)
	}
	if t.KeepAlive.Duration > 0 {
		out[keyTimeoutKeepAlive] = uint64(t.KeepAlive.Duration / time.Millisecond)
	}
	return out
}

func encodeQuic(q profile.QuicConfig) map[uint64]any {
	out := map[uint64]any{}
	if q.MaxPacketSize > 0 {
		out[keyQuicMaxPacketSize] = uint64(q.MaxPacketSize)
	}
	if q.KeepAlive.Duration > 0 {
		out[keyQuicKeepAlive] = uint64(q.KeepAlive.Duration / time.Millisecond)
	}
	if q.IdleTimeout.Duration > 0 {
		out[keyQuicIdleTimeout] = uint64(q.IdleTimeout.Duration / time.Millisecond)
	}
	if q.MaxStreams > 0 {
		out[keyQuicMaxStreams] = uint64(q.MaxStreams)
	}
	return out
}

func encodePadding(p profile.TransportPadding) map[uint64]any {
	out := map[uint64]any{}
	if p.Min != nil {
		out[keyPadMin] = uint64(*p.Min)
	}
	if p.Max != nil {
		out[keyPadMax] = uint64(*p.Max)
	}
	if p.BurstMin != nil {
		out[keyPadBurstMin] = uint64(*p.BurstMin)
	}
	if p.BurstMax != nil {
		out[keyPadBurstMax] = uint64(*p.BurstMax)
	}
	if p.BurstProb != nil {
		out[keyPadBurstProb] = *p.BurstProb
	}
	return out
}

// DecodeProfile parses CBOR bytes into a profile.
func DecodeProfile(data []byte) (profile.Profile, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return profile.Profile{}, err
	}
	var raw map[uint64]any
	if err := mode.Unmarshal(data, &raw); err != nil {
		return profile.Profile{}, fmt.Errorf("decode cbor profile: %w", err)
	}
	version, ok := raw[keyVersion]
	if !ok {
		return profile.Profile{}, fmt.Errorf("cbor profile missing version")
	}
	versionInt, err := asUint(version)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("cbor profile version invalid: %w", err)
	}
	if versionInt != Version {
		return profile.Profile{}, fmt.Errorf("unsupported cbor profile version %d", versionInt)
	}

	var out profile.Profile
	if out.Name, err = optString(raw, keyName); err != nil {
		return profile.Profile{}, fmt.Errorf("name: %w", err)
	}
	if out.ServerAddr, err = optString(raw, keyServerAddr); err != nil {
		return profile.Profile{}, fmt.Errorf("server_addr: %w", err)
	}
	if out.PresharedKey, err = optString(raw, keyPresharedKey); err != nil {
		return profile.Profile{}, fmt.Errorf("preshared_key: %w", err)
	}
	if out.DecoyAddr, err = optString(raw, keyDecoyAddr); err != nil {
		return profile.Profile{}, fmt.Errorf("decoy_addr: %w", err)
	}
	if ms, ok, err := optUint(raw, keyHandshakeTimeout); err != nil {
		return profile.Profile{}, fmt.Errorf("handshake_timeout: %w", err)
	} else if ok {
		out.HandshakeTimeout = config.Duration{Duration: time.Duration(ms) * time.Millisecond}
	}
	if v, ok, err := optUint(raw, keyHandshakeAttempts); err != nil {
		return profile.Profile{}, fmt.Errorf("handshake_attempts: %w", err)
	} else if ok {
		out.HandshakeAttempts = int(v)
	}
	if v, ok, err := optUint(raw, keyPreambleDelay); err != nil {
		return profile.Profile{}, fmt.Errorf("preamble_delay_ms: %w", err)
	} else if ok {
		out.PreambleDelayMs = int(v)
	}
	if v, ok, err := optUint(raw, keyPreambleJitter); err != nil {
		return profile.Profile{}, fmt.Errorf("preamble_jitter_ms: %w", err)
	} else if ok {
		out.PreambleJitterMs = int(v)
	}
	if m, err := subMap(raw, keyAuth); err != nil {
		return profile.Profile{}, fmt.Errorf("auth: %w", err)
	} else if m != nil {
		if out.Auth, err = decodeAuth(m); err != nil {
			return profile.Profile{}, fmt.Errorf("auth: %w", err)
		}
	}
	if m, err := subMap(raw, keyTicket); err != nil {
		return profile.Profile{}, fmt.Errorf("ticket: %w", err)
	} else if m != nil {
		if out.Ticket, err = decodeTicket(m); err != nil {
			return profile.Profile{}, fmt.Errorf("ticket: %w", err)
		}
	}
	if m, err := subMap(raw, keyBBR); err != nil {
		return profile.Profile{}, fmt.Errorf("bbr: %w", err)
	} else if m != nil {
		if out.BBR, err = decodeBBR(m); err != nil {
			return profile.Profile{}, fmt.Errorf("bbr: %w", err)
		}
	}
	if m, err := subMap(raw, keyTimeouts); err != nil {
		return profile.Profile{}, fmt.Errorf("timeouts: %w", err)
	} else if m != nil {
		if out.Timeouts, err = decodeTimeouts(m); err != nil {
			return profile.Profile{}, fmt.Errorf("timeouts: %w", err)
		}
	}
	if m, err := subMap(raw, keyQuic); err != nil {
		return profile.Profile{}, fmt.Errorf("quic: %w", err)
	} else if m != nil {
		if out.Quic, err = decodeQuic(m); err != nil {
			return profile.Profile{}, fmt.Errorf("quic: %w", err)
		}
	}
	if m, err := subMap(raw, keyPadding); err != nil {
		return profile.Profile{}, fmt.Errorf("handshake_padding: %w", err)
	} else if m != nil {
		if out.HandshakePadding, err = decodePadding(m); err != nil {
			return profile.Profile{}, fmt.Errorf("handshake_padding: %w", err)
		}
	}
	return out, nil
}

func decodeAuth(m map[uint64]any) (profile.AuthConfig, error) {
	var out profile.AuthConfig
	fields := []struct {
		key uint64
		dst *int
	}{
		{keyAuthSkewSeconds, &out.SkewSeconds},
		{keyAuthReplayCacheSize, &out.ReplayCacheSize},
		{keyAuthRateLimitPPS, &out.RateLimitPPS},
		{keyAuthRateLimitBurst, &out.RateLimitBurst},
	}
	for _, f := range fields {
		if v, ok, err := optUint(m, f.key); err != nil {
			return profile.AuthConfig{}, err
		} else if ok {
			*f.dst = int(v)
		}
	}
	return out, nil
}

func decodeTicket(m map[uint64]any) (profile.TicketConfig, error) {
	var out profile.TicketConfig
	if v, ok, err := optUint(m, keyTicketValidity); err != nil {
		return profile.TicketConfig{}, err
	} else if ok {
		out.Validity = config.Duration{Duration: time.Duration(v) * time.Second}
	}
	if v, ok, err := optUint(m, keyTicketMaxUses); err != nil {
		return profile.TicketConfig{}, err
	} else if ok {
		out.MaxUses = int(v)
	}
	return out, nil
}

func decodeBBR(m map[uint64]any) (profile.BBRConfig, error) {
	var out profile.BBRConfig
	if v, ok, err := optUint(m, keyBBRBwWindowRounds); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.BandwidthWindowRounds = int(v)
	}
	if v, ok, err := optUint(m, keyBBRMinRTTWindow); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.MinRTTWindow = config.Duration{Duration: time.Duration(v) * time.Millisecond}
	}
	if v, ok, err := optUint(m, keyBBRStartupRounds); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.StartupGrowthRounds = int(v)
	}
	if v, ok, err := optUint(m, keyBBRProbeRTTInterval); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.ProbeRTTInterval = config.Duration{Duration: time.Duration(v) * time.Millisecond}
	}
	if v, ok, err := optUint(m, keyBBRProbeRTTDuration); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.ProbeRTTDuration = config.Duration{Duration: time.Duration(v) * time.Millisecond}
	}
	if v, ok, err := optUint(m, keyBBRInitialCwnd); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.InitialCwndPackets = int(v)
	}
	if v, ok, err := optUint(m, keyBBRMinCwnd); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.MinCwndPackets = int(v)
	}
	if v, ok, err := optUint(m, keyBBRMaxCwndBytes); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.MaxCwndBytes = int64(v)
	}
	if v, ok, err := optUint(m, keyBBRMinPacingRate); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.MinPacingRate = int64(v)
	}
	if v, ok, err := optUint(m, keyBBRMaxPacingRate); err != nil {
		return profile.BBRConfig{}, err
	} else if ok {
		out.MaxPacingRate = int64(v)
	}
	return out, nil
}

func decodeTimeouts(m map[uint64]any) (profile.TimeoutConfig, error) {
	var out profile.TimeoutConfig
	fields := []struct {
		key uint64
		dst *config.Duration
	}{
		{keyTimeoutIdle, &out.Idle},
		{keyTimeoutDrain, &out.Drain},
		{keyTimeoutKeepAlive, &out.KeepAlive},
	}
	for _, f := range fields {
		if v, ok, err := optUint(m, f.key); err != nil {
			return profile.TimeoutConfig{}, err
		} else if ok {
			*f.dst = config.Duration{Duration: time.Duration(v) * time.Millisecond}
		}
	}
	return out, nil
}

func decodeQuic(m map[uint64]any) (profile.QuicConfig, error) {
	var out profile.QuicConfig
	if v, ok, err := optUint(m, keyQuicMaxPacketSize); err != nil {
		return profile.QuicConfig{}, err
	} else if ok {
		out.MaxPacketSize = int(v)
	}
	if v, ok, err := optUint(m, keyQuicKeepAlive); err != nil {
		return profile.QuicConfig{}, err
	} else if ok {
		out.KeepAlive = config.Duration{Duration: time.Duration(v) * time.Millisecond}
	}
	if v, ok, err := optUint(m, keyQuicIdleTimeout); err != nil {
		return profile.QuicConfig{}, err
	} else if ok {
		out.IdleTimeout = config.Duration{Duration: time.Duration(v) * time.Millisecond}
	}
	if v, ok, err := optUint(m, keyQuicMaxStreams); err != nil {
		return profile.QuicConfig{}, err
	} else if ok {
		out.MaxStreams = int(v)
	}
	return out, nil
}

func decodePadding(m map[uint64]any) (profile.TransportPadding, error) {
	var out profile.TransportPadding
	intFields := []struct {
		key uint64
		dst **int
	}{
		{keyPadMin, &out.Min},
		{keyPadMax, &out.Max},
		{keyPadBurstMin, &out.BurstMin},
		{keyPadBurstMax, &out.BurstMax},
	}
	for _, f := range intFields {
		if v, ok, err := optUint(m, f.key); err != nil {
			return profile.TransportPadding{}, err
		} else if ok {
			val := int(v)
			*f.dst = &val
		}
	}
	if v, ok := m[keyPadBurstProb]; ok {
		f, err := asFloat(v)
		if err != nil {
			return profile.TransportPadding{}, err
		}
		out.BurstProb = &f
	}
	return out, nil
}

func subMap(raw map[uint64]any, key uint64) (map[uint64]any, error) {
	v, ok := raw[key]
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", v)
	}
	out := make(map[uint64]any, len(m))
	for k, val := range m {
		ku, err := asUint(k)
		if err != nil {
			return nil, fmt.Errorf("map key: %w", err)
		}
		out[ku] = val
	}
	return out, nil
}

func optString(raw map[uint64]any, key uint64) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func optUint(raw map[uint64]any, key uint64) (uint64, bool, error) {
	v, ok := raw[key]
	if !ok {
		return 0, false, nil
	}
	u, err := asUint(v)
	if err != nil {
		return 0, false, err
	}
	return u, true, nil
}

func asUint(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("expected unsigned integer, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected float, got %T", v)
	}
}
