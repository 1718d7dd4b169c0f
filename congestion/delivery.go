package congestion

import (
	"time"
)

// Tracker is the per-connection delivery-rate tracker. Each sent
// packet is marked with the delivered total at send time; when its
// acknowledgment arrives, the delta over the elapsed time is the
// delivery rate for that flight. Owned by one connection, no locking.
type Tracker struct {
	sent      map[uint64]sentPacket
	delivered int64
	inflight  int64
}

type sentPacket struct {
	bytes           int64
	sentAt          time.Time
	deliveredAtSend int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{sent: make(map[uint64]sentPacket)}
}

// OnSent marks a packet send.
func (t *Tracker) OnSent(pn uint64, bytes int64, now time.Time) {
	t.sent[pn] = sentPacket{
		bytes:           bytes,
		sentAt:          now,
		deliveredAtSend: t.delivered,
	}
	t.inflight += bytes
}

// OnAck consumes an acknowledgment for pn and produces a delivery-rate
// sample. Duplicate or unknown acknowledgments return ok=false.
func (t *Tracker) OnAck(pn uint64, now time.Time) (AckSample, bool) {
	sp, ok := t.sent[pn]
	if !ok {
		return AckSample{}, false
	}
	delete(t.sent, pn)
	t.inflight -= sp.bytes
	if t.inflight < 0 {
		t.inflight = 0
	}
	t.delivered += sp.bytes

	sample := AckSample{
		Now:            now,
		BytesAcked:     sp.bytes,
		RTT:            now.Sub(sp.sentAt),
		Delivered:      t.delivered,
		PriorDelivered: sp.deliveredAtSend,
		Inflight:       t.inflight,
	}
	elapsed := now.Sub(sp.sentAt)
	if elapsed > 0 {
		deliveredInFlight := t.delivered - sp.deliveredAtSend
		sample.Bandwidth = int64(float64(deliveredInFlight) / elapsed.Seconds())
	}
	return sample, true
}

// OnLoss declares pn lost and returns its size.
func (t *Tracker) OnLoss(pn uint64) (int64, bool) {
	sp, ok := t.sent[pn]
	if !ok {
		return 0, false
	}
	delete(t.sent, pn)
	t.inflight -= sp.bytes
	if t.inflight < 0 {
		t.inflight = 0
	}
	return sp.bytes, true
}

// Inflight returns the bytes currently in flight.
func (t *Tracker) Inflight() int64 {
	return t.inflight
}

// Delivered returns the total bytes delivered.
func (t *Tracker) Delivered() int64 {
	return t.delivered
}

// Outstanding returns the packet numbers still awaiting an
// acknowledgment, for retransmission decisions.
func (t *Tracker) Outstanding() []uint64 {
	out := make([]uint64, 0, len(t.sent))
	for pn := range t.sent {
		out = append(out, pn)
	}
	return out
}

// SentAt returns the send time of an outstanding packet.
func (t *Tracker) SentAt(pn uint64) (time.Time, bool) {
	sp, ok := t.sent[pn]
	if !ok {
		return time.Time{}, false
	}
	return sp.sentAt, true
}
