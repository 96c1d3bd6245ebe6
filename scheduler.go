package main

import "time"

const (
	// postTickPause keeps the loop from firing twice within the same
	// clock minute after the on-hour work completes.
	postTickPause = time.Minute

	// clockPollInterval is the fine-grained cadence used while spinning
	// near the hour boundary.
	clockPollInterval = 100 * time.Millisecond

	// boundaryApproach is how close to the hour the loop stops taking
	// coarse sleeps and spins on the clock instead.
	boundaryApproach = 170 * time.Second

	// wakeMargin is how far before the hour a coarse sleep wakes up. A
	// single long sleep can overshoot the boundary when the clock drifts
	// or the process is descheduled, so the loop always wakes early and
	// spins across the remainder.
	wakeMargin = 120 * time.Second
)

// nextHourDelay reports how long the scheduler may sleep before the next
// top-of-hour. ok is false when the boundary is within boundaryApproach, in
// which case the caller should keep polling the clock at clockPollInterval
// instead of sleeping.
func nextHourDelay(now time.Time) (time.Duration, bool) {
	next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location()).Add(time.Hour)
	delta := next.Sub(now)
	if delta > boundaryApproach {
		return delta - wakeMargin, true
	}
	return 0, false
}
