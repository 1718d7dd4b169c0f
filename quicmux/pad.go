package quicmux

import (
	"crypto/rand"
	mrand "math/rand/v2"

	"github.com/bridgefall/veilquic/profile"
)

func fillRandom(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// randomPad draws gate datagram fill per the padding policy so the
// exchange sizes do not form a stable signature.
func randomPad(p profile.PaddingPolicy) []byte {
	if !p.Enabled() {
		return nil
	}
	low, high := p.Min, p.Max
	if p.BurstProb > 0 && mrand.Float64() < p.BurstProb {
		low, high = p.BurstMin, p.BurstMax
	}
	n := low
	if high > low {
		n = low + mrand.IntN(high-low+1)
	}
	if n <= 0 {
		return nil
	}
	pad := make([]byte, n)
	if err := fillRandom(pad); err != nil {
		return nil
	}
	return pad
}
