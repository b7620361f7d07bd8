package testutil

import "sync"

// ManualClock is a millisecond time source that only moves when told to.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu sync.Mutex
	ms int64
}

// NewManualClock creates a clock reading ms.
func NewManualClock(ms int64) *ManualClock {
	return &ManualClock{ms: ms}
}

// NowMilliseconds implements model.TimeSource.
func (c *ManualClock) NowMilliseconds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

// Advance moves the clock forward by ms and returns the new reading.
func (c *ManualClock) Advance(ms int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += ms
	return c.ms
}

// Set moves the clock to ms.
func (c *ManualClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = ms
}
