package clock

import (
	"sync"
	"time"
)

// FakeClock is a controllable clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a FakeClock pinned to the given instant.
func NewFake(now time.Time) *FakeClock {
	return &FakeClock{now: now.UTC()}
}

// Now returns the pinned instant.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to a new instant.
func (c *FakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now.UTC()
}
