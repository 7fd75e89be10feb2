package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/searchktools/topk-server/core/observability"
	"github.com/searchktools/topk-server/core/pools"
	"github.com/searchktools/topk-server/core/queue"
)

// Stats is a diagnostic snapshot of a running master
type Stats struct {
	Processed uint64                                   `json:"processed"`
	Queue     queue.Stats                              `json:"queue"`
	Workers   int                                      `json:"workers"`
	Restarts  uint64                                   `json:"restarts"`
	Buffers   pools.BytePoolStats                      `json:"buffers"`
	Outcomes  map[string]observability.OutcomeSnapshot `json:"outcomes"`
}

// Stats returns the current counters
func (m *Master) Stats() Stats {
	return Stats{
		Processed: m.register.Observe(),
		Queue:     m.queue.Stats(),
		Workers:   m.supervisor.Size(),
		Restarts:  m.supervisor.Restarts(),
		Buffers:   m.buffers.Stats(),
		Outcomes:  m.monitor.Snapshot(),
	}
}

// StatsJSON returns the statistics as indented JSON
func (m *Master) StatsJSON() (string, error) {
	data, err := json.MarshalIndent(m.Stats(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal stats: %w", err)
	}
	return string(data), nil
}

// StatsText returns the statistics as human-readable text
func (m *Master) StatsText() string {
	s := m.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, `Server Statistics
=================

Processed: %d
Workers:   %d alive, %d restarts

Queue:
  Enqueued:  %d
  Completed: %d
  In flight: %d
  Pending:   %d

Buffers:
  Gets: %d
  Puts: %d
`,
		s.Processed, s.Workers, s.Restarts,
		s.Queue.Enqueued, s.Queue.Completed, s.Queue.InFlight, s.Queue.Pending,
		s.Buffers.Gets, s.Buffers.Puts,
	)

	names := make([]string, 0, len(s.Outcomes))
	for name := range s.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		b.WriteString("\nOutcomes:\n")
	}
	for _, name := range names {
		o := s.Outcomes[name]
		fmt.Fprintf(&b, "  %-8s count=%d p50=%v p99=%v max=%v\n", name, o.Count, o.P50, o.P99, o.Max)
	}
	return b.String()
}
