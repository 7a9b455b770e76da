// Package testutil provides deterministic time and id sources for tests
// that compare output against golden files.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a new DeterministicClock.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock returns Epoch, then advances by Step on every call.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	Step time.Duration

	mu sync.Mutex
	n  int64
}

// NewDeterministicClock creates a clock advancing one second per call.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{Step: time.Second}
}

// Now returns the next instant. It has the signature of time.Now.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := Epoch.Add(time.Duration(c.n) * c.Step)
	c.n++
	return t
}

// Calls returns how many instants were handed out.
func (c *DeterministicClock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Reset rewinds the clock to Epoch.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
