package scenes

import (
	"context"
	"fmt"
	"sync"
)

// Pool bounds how many jobs may use one backend at a time.
// A capacity of zero or less means unlimited.
type Pool struct {
	name     string
	capacity int
	slots    chan struct{}
	mu       sync.Mutex
	busy     int
	closed   bool
}

// NewPool creates a pool with the given capacity
func NewPool(name string, capacity int) *Pool {
	p := &Pool{name: name, capacity: capacity}
	if capacity > 0 {
		p.slots = make(chan struct{}, capacity)
	}
	return p
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

// Capacity returns the configured capacity, 0 when unlimited
func (p *Pool) Capacity() int {
	if p.capacity < 0 {
		return 0
	}
	return p.capacity
}

// Acquire blocks until a slot is free or ctx is done
func (p *Pool) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool %s is closed", p.name)
	}
	p.mu.Unlock()

	if p.slots != nil {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	p.busy++
	p.mu.Unlock()
	return nil
}

// Release returns a slot taken by Acquire
func (p *Pool) Release() {
	p.mu.Lock()
	p.busy--
	p.mu.Unlock()

	if p.slots != nil {
		<-p.slots
	}
}

// Busy returns the number of slots in use
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Close rejects further Acquire calls. Held slots may still be released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// PoolStatus is the reporting view of a pool
type PoolStatus struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Busy     int    `json:"busy"`
}

// Status returns the current pool usage
func (p *Pool) Status() PoolStatus {
	return PoolStatus{Name: p.name, Capacity: p.Capacity(), Busy: p.Busy()}
}
