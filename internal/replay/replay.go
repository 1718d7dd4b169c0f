// Package replay implements a sliding-window filter over packet
// numbers, rejecting duplicates and packets that fell behind the
// window.
package replay

type block uint64

const (
	blockBitLog = 6
	blockBits   = 1 << blockBitLog
	ringBlocks  = 1 << 7
	windowSize  = (ringBlocks - 1) * blockBits
	blockMask   = ringBlocks - 1
	bitMask     = blockBits - 1
)

// RejectAfterPackets bounds the packet-number space; numbers at or
// beyond it are rejected unconditionally.
const RejectAfterPackets = 1<<64 - 1<<13 - 1

// Filter rejects replayed packet numbers by tracking a sliding window
// of seen counters. The zero value is ready for use. Not safe for
// concurrent use; the owning connection serializes access.
type Filter struct {
	last uint64
	ring [ringBlocks]block
}

// Reset clears the filter state.
func (f *Filter) Reset() {
	f.last = 0
	f.ring[0] = 0
}

// Accept returns true when the packet number has not been seen and is
// inside the window.
func (f *Filter) Accept(pn uint64) bool {
	if pn >= RejectAfterPackets {
		return false
	}
	indexBlock := pn >> blockBitLog
	if pn > f.last {
		current := f.last >> blockBitLog
		diff := indexBlock - current
		if diff > ringBlocks {
			diff = ringBlocks
		}
		for i := current + 1; i <= current+diff; i++ {
			f.ring[i&blockMask] = 0
		}
		f.last = pn
	} else if f.last-pn > windowSize {
		return false
	}
	indexBlock &= blockMask
	indexBit := pn & bitMask
	old := f.ring[indexBlock]
	newVal := old | 1<<indexBit
	f.ring[indexBlock] = newVal
	return old != newVal
}
