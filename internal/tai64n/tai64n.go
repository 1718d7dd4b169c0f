// Package tai64n provides whitened TAI64N timestamps for handshake
// freshness checks. Timestamps are truncated to a coarse granularity so
// that their low bits do not leak a fine-grained clock to observers.
package tai64n

import (
	"bytes"
	"encoding/binary"
	"time"
)

// TimestampSize is the encoded size of a Timestamp.
const TimestampSize = 12

const base = uint64(0x400000000000000a)

// whitening granularity for the nanosecond field
const granularity = 20 * time.Millisecond

// Timestamp is a TAI64N label: 8 bytes of seconds, 4 bytes of
// whitened nanoseconds, both big-endian.
type Timestamp [TimestampSize]byte

func stamp(t time.Time) Timestamp {
	var ts Timestamp
	secs := base + uint64(t.Unix())
	nano := uint64(t.Nanosecond())
	nano = nano - nano%uint64(granularity.Nanoseconds())
	binary.BigEndian.PutUint64(ts[:], secs)
	binary.BigEndian.PutUint32(ts[8:], uint32(nano))
	return ts
}

// Now returns the whitened timestamp for the current time.
func Now() Timestamp {
	return stamp(time.Now())
}

// At returns the whitened timestamp for the given time.
func At(t time.Time) Timestamp {
	return stamp(t)
}

// After returns true when ts is strictly later than other.
func (ts Timestamp) After(other Timestamp) bool {
	return bytes.Compare(ts[:], other[:]) > 0
}

// Time converts the timestamp back to wall-clock time, at whitening
// granularity.
func (ts Timestamp) Time() time.Time {
	secs := binary.BigEndian.Uint64(ts[:8])
	nano := binary.BigEndian.Uint32(ts[8:])
	return time.Unix(int64(secs-base), int64(nano))
}
