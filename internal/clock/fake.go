package clock

import "time"

type FakeClock struct {
	now  time.Time
	step time.Duration
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// AutoAdvance makes every Now call move the clock forward by step, so code
// that polls the clock in a loop observes passing time.
func (c *FakeClock) AutoAdvance(step time.Duration) {
	c.step = step
}
