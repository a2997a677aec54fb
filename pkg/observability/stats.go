// Counter aggregation for the status endpoint and the periodic
// status log line.
package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SectionFunc produces one named section of the status snapshot.
// Implementations must be safe for concurrent use.
type SectionFunc func() map[string]any

// Counters adapts the map[string]uint64 stats providers the pipeline
// components expose.
func Counters(fn func() map[string]uint64) SectionFunc {
	return func() map[string]any {
		src := fn()
		out := make(map[string]any, len(src))
		for k, v := range src {
			out[k] = v
		}
		return out
	}
}

// lastFailure is the most recent component failure, kept for /status.
type lastFailure struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats aggregates counter sections from pipeline components into one
// snapshot. Sections are registered once at wiring time and polled on
// every snapshot, so the hub never holds stale numbers.
type Stats struct {
	mu       sync.Mutex
	sections map[string]SectionFunc
	failure  *lastFailure
	start    time.Time
	clock    func() time.Time
}

// NewStats creates an empty hub. Uptime counts from this call.
func NewStats() *Stats {
	s := &Stats{
		sections: make(map[string]SectionFunc),
		clock:    time.Now,
	}
	s.start = s.clock()
	return s
}

// WithClock overrides clock for testing.
func (s *Stats) WithClock(clock func() time.Time) *Stats {
	s.clock = clock
	s.start = clock()
	return s
}

// Track registers a named section. Re-registering a name replaces it.
func (s *Stats) Track(name string, fn SectionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[name] = fn
}

// RecordFailure notes a component failure for the status surface.
func (s *Stats) RecordFailure(component string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = &lastFailure{
		Component: component,
		Message:   err.Error(),
		Timestamp: s.clock(),
	}
}

// Snapshot polls every section and returns the combined view.
func (s *Stats) Snapshot() map[string]any {
	s.mu.Lock()
	fns := make(map[string]SectionFunc, len(s.sections))
	for name, fn := range s.sections {
		fns[name] = fn
	}
	failure := s.failure
	uptime := s.clock().Sub(s.start)
	s.mu.Unlock()

	// Poll outside the lock, section funcs reach into live components.
	snap := make(map[string]any, len(fns)+2)
	for name, fn := range fns {
		snap[name] = fn()
	}
	snap["uptime_seconds"] = int64(uptime.Seconds())
	if failure != nil {
		snap["last_failure"] = *failure
	}
	return snap
}

// LogEvery emits the snapshot as a status log line on the given
// interval until ctx is cancelled. Run it on its own goroutine.
func (s *Stats) LogEvery(ctx context.Context, log *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			args := make([]any, 0, len(snap)*2)
			for _, name := range sortedKeys(snap) {
				args = append(args, name, snap[name])
			}
			log.Info("pipeline status", args...)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
