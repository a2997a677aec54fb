package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatsSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStats().WithClock(func() time.Time { return now })

	calls := 0
	s.Track("ingest", func() map[string]any {
		calls++
		return map[string]any{"processed": calls}
	})

	now = now.Add(90 * time.Second)
	snap := s.Snapshot()

	require.Equal(t, int64(90), snap["uptime_seconds"])
	section, ok := snap["ingest"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1, section["processed"])

	// Sections are polled fresh on every snapshot.
	snap = s.Snapshot()
	section = snap["ingest"].(map[string]any)
	require.Equal(t, 2, section["processed"])
}

func TestStatsCountersAdapter(t *testing.T) {
	var mu sync.Mutex
	counters := map[string]uint64{"hits": 3, "misses": 1}

	fn := Counters(func() map[string]uint64 {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]uint64, len(counters))
		for k, v := range counters {
			out[k] = v
		}
		return out
	})

	got := fn()
	require.Equal(t, uint64(3), got["hits"])
	require.Equal(t, uint64(1), got["misses"])
}

func TestStatsRecordFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStats().WithClock(func() time.Time { return now })

	// nil errors are ignored
	s.RecordFailure("chainsource", nil)
	_, present := s.Snapshot()["last_failure"]
	require.False(t, present)

	s.RecordFailure("chainsource", errors.New("stream broke for good"))
	snap := s.Snapshot()
	failure, ok := snap["last_failure"].(lastFailure)
	require.True(t, ok)
	require.Equal(t, "chainsource", failure.Component)
	require.Equal(t, "stream broke for good", failure.Message)
	require.Equal(t, now, failure.Timestamp)
}

func TestStatsTrackReplacesSection(t *testing.T) {
	s := NewStats()
	s.Track("ingest", func() map[string]any { return map[string]any{"v": 1} })
	s.Track("ingest", func() map[string]any { return map[string]any{"v": 2} })

	snap := s.Snapshot()
	require.Equal(t, 2, snap["ingest"].(map[string]any)["v"])
}

func TestStatsLogEvery(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	log := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, nil))

	s := NewStats()
	s.Track("ingest", func() map[string]any { return map[string]any{"processed": uint64(7)} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.LogEvery(ctx, log, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(buf.String(), "pipeline status")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LogEvery did not stop on cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, buf.String(), "processed")
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}
