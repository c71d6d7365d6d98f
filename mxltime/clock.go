package mxltime

import "time"

// taiOffset is the number of leap seconds TAI is currently ahead of UTC.
// The core treats this as a fixed constant rather than consulting a leap
// second table — acceptable because the spec's timing invariants only
// require a monotonic, consistent mapping between "now" and indices, not
// agreement with any external TAI broadcast (Non-goals: no network
// transport, no external time authority).
const taiOffset = 37 * time.Second

// NowTAI returns the current time as nanoseconds since the TAI epoch.
func NowTAI() int64 {
	return time.Now().Add(taiOffset).UnixNano()
}

// NsUntilIndex returns the number of nanoseconds from now until index
// becomes the committed index at rate r, i.e. until the instant one index
// past it begins. Negative results are clamped to zero.
func NsUntilIndex(index uint64, r Rate) int64 {
	target := IndexToTimestamp(index+1, r)
	d := target - NowTAI()
	if d < 0 {
		return 0
	}
	return d
}

// SleepForNs suspends the calling goroutine for at least ns nanoseconds
// against the monotonic clock. It never returns early and never blocks
// longer than requested plus ordinary scheduler jitter.
func SleepForNs(ns int64) {
	if ns <= 0 {
		return
	}
	time.Sleep(time.Duration(ns))
}
