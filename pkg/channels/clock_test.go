package channels

import (
	"sync"
	"time"
)

type clockWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// manualClock only moves when Advance is called.
type manualClock struct {
	mu         sync.Mutex
	now        time.Time
	waiters    []clockWaiter
	registered chan time.Duration
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start, registered: make(chan time.Duration, 16)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, clockWaiter{deadline: c.now.Add(d), ch: ch})
	c.mu.Unlock()
	c.registered <- d
	return ch
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}
