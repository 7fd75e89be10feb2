// Package supervisor keeps the worker pool at its configured size by
// replacing units that terminated because of a fault.
//
// Replacement is unconditional and not rate limited: a unit that faults on
// every start is restarted on every tick.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/topk-server/core/shutdown"
)

// DefaultInterval is the liveness polling period
const DefaultInterval = time.Second

// Handle is the supervisor's view of one worker
type Handle interface {
	ID() int
	Alive() bool
	Crashed() bool
	Done() <-chan struct{}
}

// SpawnFunc starts a worker with the given index
type SpawnFunc func(id int) Handle

// Supervisor tracks one handle per worker index
type Supervisor struct {
	spawn    SpawnFunc
	interval time.Duration
	flag     *shutdown.Flag
	log      *zap.Logger

	mu      sync.Mutex
	handles map[int]Handle

	restarts atomic.Uint64
}

// New creates a supervisor. It stops polling once flag is set.
func New(spawn SpawnFunc, interval time.Duration, flag *shutdown.Flag, log *zap.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		spawn:    spawn,
		interval: interval,
		flag:     flag,
		log:      log.Named("supervisor"),
		handles:  make(map[int]Handle),
	}
}

// Spawn starts worker id and tracks it, replacing any handle with that index
func (s *Supervisor) Spawn(id int) Handle {
	h := s.spawn(id)

	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	s.log.Info("worker started", zap.Int("worker", id))
	return h
}

// Run polls the pool until the shutdown flag is set or ctx is done
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.flag.Done():
			return
		case <-ticker.C:
			if s.flag.IsSet() {
				return
			}
			s.Check()
		}
	}
}

// Check replaces every tracked worker that has crashed. It returns the
// indices that were restarted.
func (s *Supervisor) Check() []int {
	s.mu.Lock()
	var crashed []int
	for id, h := range s.handles {
		if h.Crashed() {
			crashed = append(crashed, id)
		}
	}
	s.mu.Unlock()

	sort.Ints(crashed)
	for _, id := range crashed {
		s.log.Warn("worker crashed, restarting", zap.Int("worker", id))
		s.Spawn(id)
		s.restarts.Add(1)
	}
	return crashed
}

// Size returns the number of tracked workers that are still running
func (s *Supervisor) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, h := range s.handles {
		if h.Alive() {
			n++
		}
	}
	return n
}

// Handle returns the current handle for index id
func (s *Supervisor) Handle(id int) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	return h, ok
}

// Restarts returns how many replacements have been spawned
func (s *Supervisor) Restarts() uint64 {
	return s.restarts.Load()
}

// Wait blocks until every tracked worker has exited or ctx is done
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
