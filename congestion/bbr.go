package congestion

import (
	"sync"
	"time"
)

const (
	// startupGain is 2/ln(2), the rate needed to double delivered
	// bytes every round.
	startupGain = 2.885
	drainGain   = 1.0 / startupGain

	startupCwndGain = 2.885
	probeBWCwndGain = 2.0

	// bandwidth must grow by this factor round-over-round for Startup
	// to count the round as still growing
	startupGrowthTarget = 1.25

	maxPlausibleRTT = 10 * time.Second
)

// BBR is a user-space BBR congestion controller. State is owned by one
// connection; the mutex only guards against reads from that
// connection's timer path racing its ack path.
type BBR struct {
	mu  sync.Mutex
	cfg Config

	mode       Mode
	pacingGain float64
	cwndGain   float64

	bwFilter           *maxFilter
	round              uint64
	nextRoundDelivered int64
	roundStarted       bool

	minRTT   time.Duration
	minRTTAt time.Time

	fullBw      int64
	fullBwCount int

	cycleIndex int
	cycleStart time.Time

	lastProbeRTT   time.Time
	probeRTTDoneAt time.Time
	priorCwnd      int64

	pacingRate int64
	cwnd       int64

	ackedBytes    int64
	lostBytes     int64
	anomalyCount  int64
	lossesInRound int
}

// NewBBR creates a controller with resolved tunables.
func NewBBR(cfg Config) *BBR {
	cfg = cfg.withDefaults()
	b := &BBR{
		cfg:        cfg,
		mode:       Startup,
		pacingGain: startupGain,
		cwndGain:   startupCwndGain,
		bwFilter:   newMaxFilter(cfg.BandwidthWindowRounds),
		cwnd:       cfg.InitialCwnd,
	}
	// before the first sample, pace as if the initial window drains in
	// 100ms
	b.pacingRate = b.clampPacing(cfg.InitialCwnd * 10)
	return b
}

func (b *BBR) OnPacketSent(now time.Time, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastProbeRTT.IsZero() {
		b.lastProbeRTT = now
	}
	if b.cycleStart.IsZero() {
		b.cycleStart = now
	}
}

// OnAck consumes one delivery-rate sample.
func (b *BBR) OnAck(sample AckSample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// implausible samples are discarded, never fatal
	if sample.RTT <= 0 || sample.RTT > maxPlausibleRTT {
		b.anomalyCount++
		return
	}

	b.ackedBytes += sample.BytesAcked

	b.roundStarted = false
	if sample.PriorDelivered >= b.nextRoundDelivered {
		b.round++
		b.nextRoundDelivered = sample.Delivered
		b.roundStarted = true
		b.lossesInRound = 0
	}

	if sample.Bandwidth > 0 {
		b.bwFilter.Update(b.round, sample.Bandwidth)
	}
	if b.minRTT == 0 || sample.RTT < b.minRTT || sample.Now.Sub(b.minRTTAt) > b.cfg.MinRTTWindow {
		b.minRTT = sample.RTT
		b.minRTTAt = sample.Now
	}

	b.advanceMode(sample)
	b.updateRates()
}

// OnLoss treats a loss as a (possibly noisy) queuing signal; it never
// cuts the window directly.
func (b *BBR) OnLoss(now time.Time, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lostBytes += bytes
	b.lossesInRound++
	if b.mode == ProbeBW && b.pacingGain > 1 {
		// stop probing up, move to the draining phase of the cycle
		b.cycleIndex = 1 % len(b.cfg.GainCycle)
		b.pacingGain = b.cfg.GainCycle[b.cycleIndex]
		b.cycleStart = now
		b.updateRates()
	}
}

func (b *BBR) advanceMode(sample AckSample) {
	now := sample.Now

	// ProbeRTT preempts the cycle whenever the min-RTT sample is due.
	if b.mode != ProbeRTT && !b.lastProbeRTT.IsZero() && now.Sub(b.lastProbeRTT) > b.cfg.ProbeRTTInterval {
		b.enterProbeRTT(now)
		return
	}

	switch b.mode {
	case Startup:
		if b.roundStarted {
			b.checkStartupFull()
		}
	case Drain:
		if sample.Inflight <= b.bdp() {
			b.enterProbeBW(now)
		}
	case ProbeBW:
		b.advanceCycle(now)
	case ProbeRTT:
		if now.After(b.probeRTTDoneAt) {
			b.exitProbeRTT(now)
		}
	}
}

func (b *BBR) checkStartupFull() {
	bw := b.bwFilter.Get(b.round)
	if bw == 0 {
		return
	}
	if float64(bw) >= float64(b.fullBw)*startupGrowthTarget {
		b.fullBw = bw
		b.fullBwCount = 0
		return
	}
	b.fullBwCount++
	if b.fullBwCount >= b.cfg.StartupGrowthRounds {
		b.mode = Drain
		b.pacingGain = drainGain
		b.cwndGain = startupCwndGain
	}
}

func (b *BBR) enterProbeBW(now time.Time) {
	b.mode = ProbeBW
	b.cwndGain = probeBWCwndGain
	b.cycleIndex = 0
	b.pacingGain = b.cfg.GainCycle[0]
	b.cycleStart = now
}

func (b *BBR) advanceCycle(now time.Time) {
	phase := b.minRTT
	if phase <= 0 {
		phase = 10 * time.Millisecond
	}
	if now.Sub(b.cycleStart) < phase {
		return
	}
	b.cycleIndex = (b.cycleIndex + 1) % len(b.cfg.GainCycle)
	b.pacingGain = b.cfg.GainCycle[b.cycleIndex]
	b.cycleStart = now
}

func (b *BBR) enterProbeRTT(now time.Time) {
	if b.mode != ProbeRTT {
		b.priorCwnd = b.cwnd
	}
	b.mode = ProbeRTT
	b.pacingGain = 1
	b.cwndGain = 1
	b.probeRTTDoneAt = now.Add(b.cfg.ProbeRTTDuration)
}

func (b *BBR) exitProbeRTT(now time.Time) {
	b.lastProbeRTT = now
	b.minRTTAt = now
	if b.cwnd < b.priorCwnd {
		b.cwnd = b.priorCwnd
	}
	if b.fullBwCount >= b.cfg.StartupGrowthRounds {
		b.enterProbeBW(now)
	} else {
		b.mode = Startup
		b.pacingGain = startupGain
		b.cwndGain = startupCwndGain
	}
}

func (b *BBR) bdp() int64 {
	bw := b.bwFilter.Get(b.round)
	if bw == 0 || b.minRTT <= 0 {
		return b.cfg.InitialCwnd
	}
	return int64(float64(bw) * b.minRTT.Seconds())
}

func (b *BBR) updateRates() {
	bw := b.bwFilter.Get(b.round)
	if bw > 0 {
		b.pacingRate = b.clampPacing(int64(b.pacingGain * float64(bw)))
	}
	if b.mode == ProbeRTT {
		b.cwnd = b.cfg.MinCwnd
		return
	}
	if bw > 0 && b.minRTT > 0 {
		target := int64(b.cwndGain * float64(bw) * b.minRTT.Seconds())
		b.cwnd = b.clampCwnd(target)
	}
}

func (b *BBR) clampPacing(rate int64) int64 {
	if rate < b.cfg.MinPacingRate {
		return b.cfg.MinPacingRate
	}
	if rate > b.cfg.MaxPacingRate {
		return b.cfg.MaxPacingRate
	}
	return rate
}

func (b *BBR) clampCwnd(cwnd int64) int64 {
	if cwnd < b.cfg.MinCwnd {
		return b.cfg.MinCwnd
	}
	if cwnd > b.cfg.MaxCwnd {
		return b.cfg.MaxCwnd
	}
	return cwnd
}

// CanSend reports whether another packet fits the window.
func (b *BBR) CanSend(inflight int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return inflight < b.cwnd
}

// PacingRate returns the current pacing rate in bytes per second.
func (b *BBR) PacingRate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pacingRate
}

// CongestionWindow returns the current window in bytes.
func (b *BBR) CongestionWindow() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cwnd
}

// Mode returns the current phase.
func (b *BBR) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Stats is a snapshot of controller state for local diagnostics.
type Stats struct {
	Mode           Mode
	Bandwidth      int64
	MinRTT         time.Duration
	PacingRate     int64
	CWND           int64
	Round          uint64
	AckedBytes     int64
	LostBytes      int64
	DiscardedAcks  int64
	PacingGain     float64
	CongestionGain float64
}

// Snapshot returns current controller state.
func (b *BBR) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Mode:           b.mode,
		Bandwidth:      b.bwFilter.Get(b.round),
		MinRTT:         b.minRTT,
		PacingRate:     b.pacingRate,
		CWND:           b.cwnd,
		Round:          b.round,
		AckedBytes:     b.ackedBytes,
		LostBytes:      b.lostBytes,
		DiscardedAcks:  b.anomalyCount,
		PacingGain:     b.pacingGain,
		CongestionGain: b.cwndGain,
	}
}
