package redundancy

import "sync/atomic"

// Clock numbers rounds with a monotonic logical counter.
// Round ordering never uses wall-clock time.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0. The first round is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose next value is start+1.
// Used to continue numbering after a journal that already holds rounds.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next round number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued round number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
