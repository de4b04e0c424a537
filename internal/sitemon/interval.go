package sitemon

import "fmt"

// IntervalChecker lets one run through every interval ticks. It is not safe
// for concurrent use; the Registry serializes access.
type IntervalChecker struct {
	interval  int
	remaining int
}

func NewIntervalChecker(interval int) (*IntervalChecker, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidInterval, interval)
	}
	return &IntervalChecker{interval: interval, remaining: interval}, nil
}

// Skip consumes one tick and reports whether the run must be skipped.
// After a non-skipping call the counter starts over.
func (c *IntervalChecker) Skip() bool {
	c.remaining--
	if c.remaining > 0 {
		return true
	}
	c.remaining = c.interval
	return false
}

func (c *IntervalChecker) Interval() int  { return c.interval }
func (c *IntervalChecker) Remaining() int { return c.remaining }
