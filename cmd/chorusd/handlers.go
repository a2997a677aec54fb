package main

import (
	"context"
	"log/slog"

	"github.com/Arpeggio-Labs/chorus/pkg/dispatch"
	"github.com/Arpeggio-Labs/chorus/pkg/event"
)

// knownTypes is every event-type code the contract currently emits.
var knownTypes = []int{
	event.TypeCreateReleaseBundle,
	event.TypeMintEntity,
	event.TypeResolveID,
	event.TypeAddClaim,
	event.TypeEditClaim,
	event.TypeVote,
	event.TypeLike,
	event.TypeFinalize,
	event.TypeMergeEntity,
}

// registerHandlers wires the downstream side of the pipeline. The graph
// writers live in a separate service; this binary terminates each
// verified event in an acknowledgment handler so dispatch stays
// observable end to end. Embedders register their own handlers here.
func registerHandlers(registry *dispatch.Registry, logger *slog.Logger) error {
	ack := &ackHandler{log: logger.With("component", "handler")}
	for _, code := range knownTypes {
		if err := registry.Register(code, ack); err != nil {
			return err
		}
	}
	return nil
}

// ackHandler logs each verified event it receives. It stands in for the
// downstream graph writers, which consume the same enriched shape.
type ackHandler struct {
	log *slog.Logger
}

func (h *ackHandler) Name() string { return "ack" }

func (h *ackHandler) HandleEvent(_ context.Context, evt event.Event) error {
	meta, _ := evt["blockchain_metadata"].(map[string]any)
	h.log.Info("verified event received",
		"type", evt.Type(),
		"author_pubkey", evt.AuthorPubkey(),
		"anchor_hash", meta["anchor_hash"],
		"block_num", meta["block_num"],
		"source", meta["source"],
	)
	return nil
}
