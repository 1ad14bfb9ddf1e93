package noise

import "time"

// Clock supplies the time used for timestamps, flood protection and keypair
// age checks. Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// expired reports whether more than d has passed since t.
func expired(c Clock, t time.Time, d time.Duration) bool {
	return c.Now().After(t.Add(d))
}
