// Package testutil holds deterministic helpers shared by the test
// suites: a logical clock for reproducible timestamps and fixture
// builders for agents, entries and signed actions.
package testutil

import (
	"sync"

	"github.com/roach88/strand/internal/types"
)

// Clock is a thread-safe monotonic timestamp source for tests.
//
// Each Next() advances by one millisecond of logical time, which keeps
// fixture chains comfortably inside the strictly-increasing timestamp
// invariant without depending on the wall clock.
type Clock struct {
	mu  sync.Mutex
	now types.Timestamp
}

// NewClock creates a clock starting at the given timestamp.
func NewClock(start types.Timestamp) *Clock {
	return &Clock{now: start}
}

// Next advances the clock and returns the new timestamp.
func (c *Clock) Next() types.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += 1000
	return c.now
}

// Current returns the current timestamp without advancing.
func (c *Clock) Current() types.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock for scenario reuse.
func (c *Clock) Reset(to types.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = to
}
