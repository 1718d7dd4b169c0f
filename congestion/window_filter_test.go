package congestion

import "testing"

func TestMaxFilterWindow(t *testing.T) {
	f := newMaxFilter(3)

	f.Update(1, 100)
	f.Update(2, 80)
	f.Update(3, 60)
	if got := f.Get(3); got != 100 {
		t.Fatalf("max = %d, want 100", got)
	}

	// round 4 expires the sample from round 1
	if got := f.Get(4); got != 80 {
		t.Fatalf("max = %d, want 80 after expiry", got)
	}

	f.Update(5, 90)
	if got := f.Get(5); got != 90 {
		t.Fatalf("max = %d, want 90", got)
	}
}

func TestMaxFilterDominatedSamples(t *testing.T) {
	f := newMaxFilter(10)
	f.Update(1, 50)
	f.Update(2, 70)
	if got := f.Get(2); got != 70 {
		t.Fatalf("max = %d, want 70", got)
	}
	if len(f.samples) != 1 {
		t.Fatalf("dominated sample retained: %v", f.samples)
	}
}

func TestMaxFilterEmpty(t *testing.T) {
	f := newMaxFilter(5)
	if got := f.Get(1); got != 0 {
		t.Fatalf("empty max = %d", got)
	}
	f.Reset()
	if got := f.Get(1); got != 0 {
		t.Fatalf("reset max = %d", got)
	}
}
