package mutation

import (
	"sync/atomic"
	"time"
)

// Clock is the monotonic logical clock that stamps every enqueued mutation
// with its Seq.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after start.
// Used on restore so new mutations sort after every persisted one.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Advance moves the clock forward to at least seq. It never moves backwards.
func (c *Clock) Advance(seq int64) {
	for {
		cur := c.seq.Load()
		if seq <= cur {
			return
		}
		if c.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// NowFunc returns wall-clock time. Injected wherever timestamps are taken so
// tests can pin them.
type NowFunc func() time.Time

// SystemNow returns the current UTC time truncated to milliseconds, the
// precision persisted in the store and sent on the wire.
func SystemNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
