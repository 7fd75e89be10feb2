// Package shutdown provides the process-wide, set-once shutdown flag
// observed cooperatively by the acceptor, the workers and the supervisor.
package shutdown

import (
	"sync"
	"sync/atomic"
)

// Flag is a set-once boolean. Once set it is never reset.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// New creates an unset flag
func New() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set raises the flag. It reports whether this call was the one that set it.
func (f *Flag) Set() bool {
	first := false
	f.once.Do(func() {
		f.set.Store(true)
		close(f.done)
		first = true
	})
	return first
}

// IsSet reports whether the flag has been raised
func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Done returns a channel closed when the flag is raised
func (f *Flag) Done() <-chan struct{} {
	return f.done
}
