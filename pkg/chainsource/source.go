// Package chainsource feeds the ingestion pipeline from exactly one anchor
// source at a time: a streaming block-trace WebSocket or an externally-fed
// push endpoint. Sources normalize whatever the chain delivers into
// AnchoredEvent records; everything downstream of that boundary is the
// processor's business.
package chainsource

import (
	"context"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/ingest"
)

// Sink is the processor boundary. Sources hand over normalized anchors and
// signal block edges; they never touch dedup state or counters directly.
type Sink interface {
	ProcessAnchor(ctx context.Context, in *event.AnchoredEvent) *ingest.Result
	ClearBlockWindow()
}

// Source is a single anchor feed.
//
// Start is non-blocking once the feed is established, but performs enough
// of the handshake synchronously that misconfiguration (an unreachable
// endpoint, a protocol framing this reader cannot parse) fails the call
// instead of surfacing later as silence. Stop blocks until the feed has
// drained or the context expires. Done is closed when the feed exits for
// any reason; Err reports the terminal error, nil for a clean stop or a
// completed block range.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}
