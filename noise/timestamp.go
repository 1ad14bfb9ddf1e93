package noise

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	tai64Label = 0x400000000000000a
	// nanoseconds are rounded down so timestamps do not leak fine timing
	whitenerMask = uint32(0x1000000 - 1)
)

// Tai64n encodes t as a TAI64N label.
func Tai64n(t time.Time) Timestamp {
	var ts Timestamp
	binary.BigEndian.PutUint64(ts[:8], uint64(tai64Label+t.Unix()))
	binary.BigEndian.PutUint32(ts[8:], uint32(t.Nanosecond())&^whitenerMask)
	return ts
}

// After reports whether ts is strictly later than other.
func (ts Timestamp) After(other Timestamp) bool {
	return bytes.Compare(ts[:], other[:]) > 0
}
