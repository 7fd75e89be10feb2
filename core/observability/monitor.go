package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Request outcomes recorded by workers
const (
	OutcomeSuccess = "success"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
	OutcomeCrashed = "crashed"
)

const (
	minLatencyMicros = 1
	maxLatencyMicros = int64(5 * time.Minute / time.Microsecond)
	sigFigs          = 3

	slowP99Threshold   = 2 * time.Second
	errorRateThreshold = 0.05
)

// Monitor keeps a latency histogram per request outcome
type Monitor struct {
	mu       sync.Mutex
	outcomes map[string]*hdrhistogram.Histogram
}

// OutcomeSnapshot summarizes one outcome
type OutcomeSnapshot struct {
	Count uint64        `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type     string
	Location string
	Severity int
	Impact   float64
	Details  string
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{outcomes: make(map[string]*hdrhistogram.Histogram)}
}

// Record adds one request with its outcome and end-to-end latency
func (m *Monitor) Record(outcome string, d time.Duration) {
	v := d.Microseconds()
	if v < minLatencyMicros {
		v = minLatencyMicros
	}
	if v > maxLatencyMicros {
		v = maxLatencyMicros
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.outcomes[outcome]
	if !ok {
		h = hdrhistogram.New(minLatencyMicros, maxLatencyMicros, sigFigs)
		m.outcomes[outcome] = h
	}
	// v is clamped into the trackable range, so this cannot fail
	_ = h.RecordValue(v)
}

// Snapshot returns a summary per recorded outcome
func (m *Monitor) Snapshot() map[string]OutcomeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := make(map[string]OutcomeSnapshot, len(m.outcomes))
	for name, h := range m.outcomes {
		snap[name] = OutcomeSnapshot{
			Count: uint64(h.TotalCount()),
			Mean:  time.Duration(h.Mean() * float64(time.Microsecond)),
			P50:   time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
			P99:   time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
			Max:   time.Duration(h.Max()) * time.Microsecond,
		}
	}
	return snap
}

// Total returns the number of recorded requests over all outcomes
func (m *Monitor) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, h := range m.outcomes {
		total += h.TotalCount()
	}
	return uint64(total)
}

// Bottlenecks reports slow outcomes and a high failure rate
func (m *Monitor) Bottlenecks() []Bottleneck {
	snap := m.Snapshot()
	bottlenecks := make([]Bottleneck, 0)

	names := make([]string, 0, len(snap))
	var total, failures uint64
	for name, s := range snap {
		names = append(names, name)
		total += s.Count
		if name == OutcomeFailed || name == OutcomeCrashed {
			failures += s.Count
		}
	}
	sort.Strings(names)

	for _, name := range names {
		s := snap[name]
		if s.P99 > slowP99Threshold {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:     "latency",
				Location: name,
				Severity: 8,
				Impact:   100.0,
				Details:  fmt.Sprintf("High latency (%v p99)", s.P99),
			})
		}
	}

	if total > 0 {
		rate := float64(failures) / float64(total)
		if rate > errorRateThreshold {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:     "errors",
				Location: "fetch",
				Severity: 10,
				Impact:   rate * 100,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}

	return bottlenecks
}
