// Pipeline-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline semantic convention attributes.
var (
	// Anchor attributes
	AttrAnchorSource   = attribute.Key("chorus.anchor.source")
	AttrAnchorAction   = attribute.Key("chorus.anchor.action")
	AttrAnchorBlockNum = attribute.Key("chorus.anchor.block_num")
	AttrAnchorTrxID    = attribute.Key("chorus.anchor.trx_id")

	// Event attributes
	AttrEventTypeCode = attribute.Key("chorus.event.type_code")
	AttrEventHandler  = attribute.Key("chorus.event.handler")
	AttrEventStatus   = attribute.Key("chorus.event.status")

	// Retrieval attributes
	AttrStoreTier = attribute.Key("chorus.store.tier")
	AttrStorePath = attribute.Key("chorus.store.path")

	// Authorization attributes
	AttrAuthzAccount  = attribute.Key("chorus.authz.account")
	AttrAuthzDepth    = attribute.Key("chorus.authz.depth")
	AttrAuthzDecision = attribute.Key("chorus.authz.decision")
)

// AnchorOperation creates attributes for anchor pipeline spans.
func AnchorOperation(source, action string, blockNum uint32) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAnchorSource.String(source),
		AttrAnchorAction.String(action),
		AttrAnchorBlockNum.Int64(int64(blockNum)),
	}
}

// DispatchOperation creates attributes for handler dispatch.
func DispatchOperation(typeCode int, handler string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventTypeCode.Int(typeCode),
		AttrEventHandler.String(handler),
	}
}

// RetrievalOperation creates attributes for event store lookups.
func RetrievalOperation(tier, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStoreTier.String(tier),
		AttrStorePath.String(path),
	}
}

// AuthzOperation creates attributes for key authorization checks.
func AuthzOperation(account string, depth int, authorized bool) []attribute.KeyValue {
	decision := "deny"
	if authorized {
		decision = "allow"
	}
	return []attribute.KeyValue{
		AttrAuthzAccount.String(account),
		AttrAuthzDepth.Int(depth),
		AttrAuthzDecision.String(decision),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
