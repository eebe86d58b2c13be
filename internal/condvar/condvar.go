// Package condvar provides a resettable one-shot signal used to hand write
// completion from the I/O worker back to the producer.
package condvar

import (
	"sync"
	"time"
)

// ConditionVariable is either open or closed. Block waits until it is open.
// Unlike sync.Cond it has state, so an Open that happens before Block is not lost.
type ConditionVariable struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

// New returns a closed condition variable.
func New() *ConditionVariable {
	return &ConditionVariable{ch: make(chan struct{})}
}

// Open releases every blocked waiter. Later calls to Block return immediately
// until Close is called.
func (c *ConditionVariable) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		c.open = true
		close(c.ch)
	}
}

// Close resets the condition so that Block waits again.
func (c *ConditionVariable) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		c.open = false
		c.ch = make(chan struct{})
	}
}

// IsOpen reports the current state.
func (c *ConditionVariable) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Block waits until the condition is opened.
func (c *ConditionVariable) Block() {
	<-c.wait()
}

// BlockTimeout waits until the condition is opened or the timeout elapses. It
// returns true if the condition was opened.
func (c *ConditionVariable) BlockTimeout(timeout time.Duration) bool {
	ch := c.wait()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

func (c *ConditionVariable) wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}
