package congestion

// maxFilter keeps the maximum of a series over a rolling window
// measured in round-trip counts.
type maxFilter struct {
	window  uint64
	samples []filterSample
}

type filterSample struct {
	round uint64
	value int64
}

func newMaxFilter(windowRounds int) *maxFilter {
	if windowRounds <= 0 {
		windowRounds = 1
	}
	return &maxFilter{window: uint64(windowRounds)}
}

// Update records value at the given round and expires samples that
// fell out of the window.
func (f *maxFilter) Update(round uint64, value int64) {
	// drop expired samples from the front
	cut := 0
	for cut < len(f.samples) && round-f.samples[cut].round >= f.window {
		cut++
	}
	f.samples = f.samples[cut:]

	// drop samples dominated by the new value from the back, keeping
	// the deque decreasing
	for len(f.samples) > 0 && f.samples[len(f.samples)-1].value <= value {
		f.samples = f.samples[:len(f.samples)-1]
	}
	f.samples = append(f.samples, filterSample{round: round, value: value})
}

// Get returns the windowed maximum as of the given round.
func (f *maxFilter) Get(round uint64) int64 {
	cut := 0
	for cut < len(f.samples) && round-f.samples[cut].round >= f.window {
		cut++
	}
	f.samples = f.samples[cut:]
	if len(f.samples) == 0 {
		return 0
	}
	return f.samples[0].value
}

func (f *maxFilter) Reset() {
	f.samples = f.samples[:0]
}
