// Package stats holds the register of successfully processed requests.
package stats

import "sync"

// Register counts successful responses. It never decreases.
type Register struct {
	mu        sync.Mutex
	processed uint64
}

// NewRegister creates a zeroed register
func NewRegister() *Register {
	return &Register{}
}

// Increment records one successful response and returns the new total
func (r *Register) Increment() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processed++
	return r.processed
}

// Observe returns the current total
func (r *Register) Observe() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.processed
}
