package observability

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Arpeggio-Labs/chorus/pkg/chainsource"
	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/ingest"
)

// The instrumented pipeline must drop into the chain source wiring.
var _ chainsource.Sink = (*InstrumentedPipeline)(nil)

type fakePipeline struct {
	mu     sync.Mutex
	result *ingest.Result
	got    []*event.AnchoredEvent
	clears int
}

func (f *fakePipeline) ProcessAnchor(ctx context.Context, in *event.AnchoredEvent) *ingest.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, in)
	return f.result
}

func (f *fakePipeline) ClearBlockWindow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func disabledProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	return p
}

func TestInstrumentedPipelinePassesThrough(t *testing.T) {
	want := &ingest.Result{
		Status:      ingest.StatusProcessed,
		ContentHash: "abc123",
		EventType:   30,
		DurationMS:  42,
	}
	inner := &fakePipeline{result: want}

	slo := NewSLOTracker()
	slo.SetTarget(DefaultIngestTarget())
	journal := NewJournal(10)

	ip := InstrumentPipeline(inner, disabledProvider(t), slo, journal)

	in := &event.AnchoredEvent{
		ContentHash: "abc123",
		Source:      "streaming",
		ActionName:  "put",
		BlockNum:    77,
		TrxID:       "trx-1",
	}
	got := ip.ProcessAnchor(context.Background(), in)
	require.Same(t, want, got)
	require.Len(t, inner.got, 1)

	// SLO observation landed as a success.
	status, err := slo.Status(OpIngest)
	require.NoError(t, err)
	require.Equal(t, 1, status.ObservationCount)
	require.Equal(t, 1.0, status.CurrentSuccess)

	// Journal entry carries both anchor and result fields.
	entries := journal.Recent(1)
	require.Len(t, entries, 1)
	require.Equal(t, "abc123", entries[0].ContentHash)
	require.Equal(t, "processed", entries[0].Status)
	require.Equal(t, 30, entries[0].EventType)
	require.Equal(t, "streaming", entries[0].Source)
	require.Equal(t, uint32(77), entries[0].BlockNum)
	require.Equal(t, "trx-1", entries[0].TrxID)
	require.Equal(t, int64(42), entries[0].DurationMS)
}

func TestInstrumentedPipelineRecordsErrors(t *testing.T) {
	inner := &fakePipeline{result: &ingest.Result{
		Status: ingest.StatusError,
		Reason: "store unavailable",
	}}

	slo := NewSLOTracker()
	slo.SetTarget(DefaultIngestTarget())
	journal := NewJournal(10)

	ip := InstrumentPipeline(inner, disabledProvider(t), slo, journal)
	ip.ProcessAnchor(context.Background(), &event.AnchoredEvent{Source: "push"})

	status, err := slo.Status(OpIngest)
	require.NoError(t, err)
	require.Equal(t, 0.0, status.CurrentSuccess)

	entries := journal.Recent(1)
	require.Len(t, entries, 1)
	require.Equal(t, "error", entries[0].Status)
	require.Equal(t, "store unavailable", entries[0].Reason)
}

func TestInstrumentedPipelineOptionalRecorders(t *testing.T) {
	inner := &fakePipeline{result: &ingest.Result{Status: ingest.StatusDuplicate}}
	ip := InstrumentPipeline(inner, disabledProvider(t), nil, nil)

	// nil SLO tracker and journal must not panic
	res := ip.ProcessAnchor(context.Background(), &event.AnchoredEvent{Source: "push"})
	require.Equal(t, ingest.StatusDuplicate, res.Status)
}

func TestInstrumentedPipelineClearBlockWindow(t *testing.T) {
	inner := &fakePipeline{result: &ingest.Result{Status: ingest.StatusProcessed}}
	ip := InstrumentPipeline(inner, disabledProvider(t), nil, nil)

	ip.ClearBlockWindow()
	ip.ClearBlockWindow()
	require.Equal(t, 2, inner.clears)
}
