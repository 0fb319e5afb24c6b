package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the host's source of time. Timers, retry backoff and delayed entity
// signals all wait on it, so a VirtualClock drives a whole host in tests.
type Clock interface {
	Now() time.Time
	// Until returns a channel closed once the clock reaches t, or when ctx is
	// done.
	Until(ctx context.Context, t time.Time) <-chan struct{}
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

func (RealClock) Until(ctx context.Context, t time.Time) <-chan struct{} {
	ch := make(chan struct{})
	d := time.Until(t)
	if d <= 0 {
		close(ch)
		return ch
	}
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		close(ch)
	}()
	return ch
}

// VirtualClock only moves when told to. Waiters whose deadline is reached by
// Advance or Set are released in deadline order.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*clockWaiter
	changed chan struct{}
}

type clockWaiter struct {
	at   time.Time
	ch   chan struct{}
	once sync.Once
}

func (w *clockWaiter) release() { w.once.Do(func() { close(w.ch) }) }

// NewVirtualClock returns a clock stopped at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start.UTC(), changed: make(chan struct{})}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Until(ctx context.Context, t time.Time) <-chan struct{} {
	w := &clockWaiter{at: t, ch: make(chan struct{})}
	c.mu.Lock()
	if !t.After(c.now) {
		c.mu.Unlock()
		w.release()
		return w.ch
	}
	c.waiters = append(c.waiters, w)
	c.notifyLocked()
	c.mu.Unlock()

	go func() {
		select {
		case <-w.ch:
		case <-ctx.Done():
			c.remove(w)
			w.release()
		}
	}()
	return w.ch
}

// Advance moves the clock forward by d.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.setLocked(c.now.Add(d))
	c.mu.Unlock()
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	c.setLocked(t.UTC())
	c.mu.Unlock()
}

// Pending returns the number of waiters not yet released.
func (c *VirtualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Next returns the earliest pending deadline.
func (c *VirtualClock) Next() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return time.Time{}, false
	}
	next := c.waiters[0].at
	for _, w := range c.waiters[1:] {
		if w.at.Before(next) {
			next = w.at
		}
	}
	return next, true
}

// WaitForWaiters blocks until at least n waiters are pending or ctx is done.
func (c *VirtualClock) WaitForWaiters(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		if len(c.waiters) >= n {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *VirtualClock) setLocked(t time.Time) {
	if t.Before(c.now) {
		return
	}
	c.now = t
	sort.SliceStable(c.waiters, func(i, j int) bool { return c.waiters[i].at.Before(c.waiters[j].at) })
	i := 0
	for ; i < len(c.waiters) && !c.waiters[i].at.After(t); i++ {
		c.waiters[i].release()
	}
	c.waiters = c.waiters[i:]
	c.notifyLocked()
}

func (c *VirtualClock) remove(w *clockWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.notifyLocked()
			return
		}
	}
}

func (c *VirtualClock) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
