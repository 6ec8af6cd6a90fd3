// Package monotime provides monotonic time relative to a fixed start.
package monotime

import "time"

// Clock measures elapsed time since it was created. time.Since carries the
// monotonic reading, so elapsed time never goes backwards even if the
// system clock is changed. Lease deadlines are expressed in this timebase.
type Clock struct {
	start time.Time
}

func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Elapsed returns the duration since the clock was created.
func (c *Clock) Elapsed() time.Duration {
	return time.Since(c.start)
}

// Deadline returns the elapsed time at which a ttl starting now runs out.
func (c *Clock) Deadline(ttl time.Duration) time.Duration {
	return c.Elapsed() + ttl
}
