package congestion

import (
	"testing"
	"time"
)

func TestTrackerSampleRate(t *testing.T) {
	tr := NewTracker()
	start := time.Unix(1700000000, 0)

	tr.OnSent(1, 1000, start)
	tr.OnSent(2, 1000, start)
	if got := tr.Inflight(); got != 2000 {
		t.Fatalf("inflight = %d, want 2000", got)
	}

	sample, ok := tr.OnAck(1, start.Add(100*time.Millisecond))
	if !ok {
		t.Fatalf("ack not matched")
	}
	if sample.RTT != 100*time.Millisecond {
		t.Fatalf("rtt = %v", sample.RTT)
	}
	// 1000 bytes delivered over 100ms = 10000 bytes/s
	if sample.Bandwidth != 10000 {
		t.Fatalf("bandwidth = %d, want 10000", sample.Bandwidth)
	}
	if sample.Inflight != 1000 {
		t.Fatalf("inflight after ack = %d", sample.Inflight)
	}

	if _, ok := tr.OnAck(1, start.Add(time.Second)); ok {
		t.Fatalf("duplicate ack matched")
	}
}

func TestTrackerLoss(t *testing.T) {
	tr := NewTracker()
	start := time.Unix(1700000000, 0)
	tr.OnSent(5, 1350, start)

	bytes, ok := tr.OnLoss(5)
	if !ok || bytes != 1350 {
		t.Fatalf("loss = (%d, %v)", bytes, ok)
	}
	if tr.Inflight() != 0 {
		t.Fatalf("inflight = %d after loss", tr.Inflight())
	}
	if tr.Delivered() != 0 {
		t.Fatalf("loss counted as delivered")
	}
	if _, ok := tr.OnLoss(5); ok {
		t.Fatalf("double loss matched")
	}
}

func TestTrackerOutstanding(t *testing.T) {
	tr := NewTracker()
	start := time.Unix(1700000000, 0)
	tr.OnSent(1, 100, start)
	tr.OnSent(2, 100, start.Add(time.Millisecond))
	tr.OnAck(1, start.Add(time.Second))

	out := tr.Outstanding()
	if len(out) != 1 || out[0] != 2 {
		t.Fatalf("outstanding = %v", out)
	}
	if at, ok := tr.SentAt(2); !ok || !at.Equal(start.Add(time.Millisecond)) {
		t.Fatalf("sentAt = (%v, %v)", at, ok)
	}
}
