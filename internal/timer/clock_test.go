package timer

import "time"

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// manualClock only moves when a test sets it.
type manualClock struct{ now time.Time }

func newManualClock() *manualClock { return &manualClock{now: epoch} }

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Set(d time.Duration) time.Time {
	c.now = epoch.Add(d)
	return c.now
}
