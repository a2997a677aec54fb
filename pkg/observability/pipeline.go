package observability

import (
	"context"
	"errors"
	"time"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/ingest"
)

// AnchorPipeline is the slice of the processor the instrumentation
// wraps. Anything with the processor's anchor surface fits, so the
// wrapper drops into the chain source wiring unchanged.
type AnchorPipeline interface {
	ProcessAnchor(ctx context.Context, in *event.AnchoredEvent) *ingest.Result
	ClearBlockWindow()
}

// InstrumentedPipeline wraps the anchor pipeline with RED metrics, a
// span per anchor, SLO observations, and a journal entry per terminal
// result. The wrapped pipeline's semantics are untouched.
type InstrumentedPipeline struct {
	inner    AnchorPipeline
	provider *Provider
	slo      *SLOTracker
	journal  *Journal
}

// InstrumentPipeline wraps pipeline. The SLO tracker and journal are
// optional; pass nil to skip those recorders.
func InstrumentPipeline(pipeline AnchorPipeline, provider *Provider, slo *SLOTracker, journal *Journal) *InstrumentedPipeline {
	return &InstrumentedPipeline{
		inner:    pipeline,
		provider: provider,
		slo:      slo,
		journal:  journal,
	}
}

// ProcessAnchor runs the wrapped pipeline under a span and records the
// terminal result everywhere the status surface reads from.
func (ip *InstrumentedPipeline) ProcessAnchor(ctx context.Context, in *event.AnchoredEvent) *ingest.Result {
	attrs := AnchorOperation(in.Source, in.ActionName, in.BlockNum)
	ctx, finish := ip.provider.TrackOperation(ctx, "chorus.ingest.anchor", attrs...)

	res := ip.inner.ProcessAnchor(ctx, in)

	var opErr error
	if res.Status == ingest.StatusError {
		reason := res.Reason
		if reason == "" {
			reason = "pipeline error"
		}
		opErr = errors.New(reason)
	}
	finish(opErr)

	ip.provider.RecordAnchor(ctx, string(res.Status), AttrAnchorSource.String(in.Source))

	if ip.slo != nil {
		ip.slo.Record(SLOObservation{
			Operation: OpIngest,
			Latency:   time.Duration(res.DurationMS) * time.Millisecond,
			Success:   res.Status != ingest.StatusError,
		})
	}
	if ip.journal != nil {
		ip.journal.Record(JournalEntry{
			ContentHash: res.ContentHash,
			Status:      string(res.Status),
			Reason:      res.Reason,
			EventType:   res.EventType,
			Source:      in.Source,
			BlockNum:    in.BlockNum,
			TrxID:       in.TrxID,
			DurationMS:  res.DurationMS,
		})
	}

	return res
}

// ClearBlockWindow passes through to the wrapped pipeline.
func (ip *InstrumentedPipeline) ClearBlockWindow() {
	ip.inner.ClearBlockWindow()
}
