package netutil

import "time"

// Timestamp is a signed 64-bit microsecond count on a monotonic clock.
// Arithmetic and ordering over Timestamp are total.
type Timestamp int64

// monotonicEpoch anchors Now's readings to a process-local origin: the
// first call to time.Since on a time.Time carrying a monotonic reading
// (every time.Now() does, until something strips it) always resolves
// against the monotonic clock, never the wall clock, so timer ordering
// here can't be disturbed by an NTP step or a manual clock change.
var monotonicEpoch = time.Now()

// Now samples the current monotonic time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Since(monotonicEpoch).Microseconds())
}

// Add returns t advanced by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Microseconds())
}

// Sub returns the duration between t and other (t - other).
func (t Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(t-other) * time.Microsecond
}

// Before reports whether t is strictly earlier than other.
func (t Timestamp) Before(other Timestamp) bool { return t < other }

// Time converts back to a time.Time for display purposes.
func (t Timestamp) Time() time.Time {
	return monotonicEpoch.Add(time.Duration(t) * time.Microsecond)
}
