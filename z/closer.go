package z

import (
	"sync"
)

type (
	// Closer holds the two things we need to close a goroutine and wait for it to
	// finish: a chan to tell the goroutine to shut down, and a WaitGroup with which
	// to wait for it to finish shutting down.
	Closer struct {
		closed  chan struct{}
		waiting sync.WaitGroup
	}
)

// NewCloser constructs a Closer with the provided number of initially running
// goroutines.
func NewCloser(initial int) *Closer {
	closer := &Closer{
		closed: make(chan struct{}),
	}
	closer.waiting.Add(initial)
	return closer
}

// AddRunning increments the number of running goroutines the closer will wait on.
func (c *Closer) AddRunning(delta int) {
	c.waiting.Add(delta)
}

// Signal tells all of the goroutines managed by the closer to shut down. It can only
// be called once.
func (c *Closer) Signal() {
	close(c.closed)
}

// HasBeenClosed returns a channel that is closed once Signal has been called.
func (c *Closer) HasBeenClosed() <-chan struct{} {
	return c.closed
}

// Done should be called by every goroutine that was counted by the closer once it
// has finished shutting down.
func (c *Closer) Done() {
	c.waiting.Done()
}

// Wait blocks until every goroutine counted by the closer has called Done.
func (c *Closer) Wait() {
	c.waiting.Wait()
}

// SignalAndWait signals the goroutines to shut down and then waits for all of them
// to finish.
func (c *Closer) SignalAndWait() {
	c.Signal()
	c.Wait()
}
