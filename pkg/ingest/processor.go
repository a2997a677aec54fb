// Package ingest drives anchors through retrieval, verification,
// enrichment, and dispatch, with at-most-once admission.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Arpeggio-Labs/chorus/pkg/authz"
	"github.com/Arpeggio-Labs/chorus/pkg/canonical"
	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/eventstore"
	"github.com/Arpeggio-Labs/chorus/pkg/hashcodec"
	"github.com/Arpeggio-Labs/chorus/pkg/signature"
)

// Status is the terminal state of one anchor's trip through the
// pipeline. The same vocabulary is returned on the push endpoint.
type Status string

const (
	StatusProcessed        Status = "processed"
	StatusDuplicate        Status = "duplicate"
	StatusFiltered         Status = "filtered"
	StatusNotFound         Status = "not_found"
	StatusInvalidSignature Status = "invalid_signature"
	StatusUnauthorizedKey  Status = "unauthorized_key"
	StatusError            Status = "error"
)

// Result records how an anchor was resolved. The processor never fails
// across its boundary; every outcome, including internal errors, comes
// back as a Result.
type Result struct {
	Status          Status `json:"status"`
	ContentHash     string `json:"contentHash,omitempty"`
	EventType       int    `json:"eventType,omitempty"`
	Reason          string `json:"reason,omitempty"`
	RetrievalSource string `json:"retrievalSource,omitempty"`
	RetrievalPath   string `json:"retrievalPath,omitempty"`
	CorrelationID   string `json:"correlationId,omitempty"`
	DurationMS      int64  `json:"durationMs"`
}

// EventSource is the slice of the event store the processor reads from.
type EventSource interface {
	RetrieveEvent(ctx context.Context, hash string, opts eventstore.RetrieveOptions) (*eventstore.Retrieved, error)
	RetrieveByCID(ctx context.Context, cidStr string) (*eventstore.Retrieved, error)
}

// Authorizer checks that a key may act for an account.
type Authorizer interface {
	IsAuthorized(ctx context.Context, account, permission, pubkey string) authz.Decision
}

// Dispatcher routes a verified event to its type handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, code int, evt event.Event) error
}

// DefaultPermission is checked when no other permission is configured.
const DefaultPermission = "active"

// Config wires a Processor.
type Config struct {
	Store    EventSource
	Registry Dispatcher

	// Authorizer must be set when RequireAuth is true.
	Authorizer  Authorizer
	RequireAuth bool
	// Permission names the on-chain permission checked for each author.
	// Empty means DefaultPermission.
	Permission string

	Signature signature.Options

	// Filter, when set, screens anchors before retrieval.
	Filter *AdmissionFilter
	// Dedup defaults to an in-memory Deduper of DefaultDedupCapacity.
	Dedup *Deduper

	Logger *slog.Logger
}

// Processor is the ingestion pipeline. Safe for concurrent ProcessAnchor
// calls; shared state is limited to the dedup structures and counters.
type Processor struct {
	store       EventSource
	registry    Dispatcher
	authorizer  Authorizer
	requireAuth bool
	permission  string
	verifier    *signature.Verifier
	filter      *AdmissionFilter
	dedup       *Deduper
	log         *slog.Logger

	// notFoundWarn keeps chronic retrieval-miss logging from flooding
	// when a backlog of unpublished bodies streams past.
	notFoundWarn rate.Sometimes

	statsMu   sync.Mutex
	received  uint64
	byStatus  map[Status]uint64
	lastError string
}

// NewProcessor validates the wiring and builds a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: event store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("ingest: handler registry is required")
	}
	if cfg.RequireAuth && cfg.Authorizer == nil {
		return nil, errors.New("ingest: account auth required but no authorizer wired")
	}
	if cfg.Permission == "" {
		cfg.Permission = DefaultPermission
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewDeduper(0, nil, cfg.Logger)
	}
	return &Processor{
		store:        cfg.Store,
		registry:     cfg.Registry,
		authorizer:   cfg.Authorizer,
		requireAuth:  cfg.RequireAuth,
		permission:   cfg.Permission,
		verifier:     signature.NewVerifier(cfg.Signature),
		filter:       cfg.Filter,
		dedup:        cfg.Dedup,
		notFoundWarn: rate.Sometimes{First: 3, Interval: 30 * time.Second},
		log:          cfg.Logger.With("component", "ingest"),
	}, nil
}

// anchorView is the parsed on-chain action payload.
type anchorView struct {
	author   string
	typeCode int
	eventCID string
	hash     any
	payload  event.Event
	ts       int64
	tags     []string
}

// ProcessAnchor runs one anchor through the pipeline: normalize, dedup,
// retrieve, integrity, signature, authorization, type cross-check,
// enrich, dispatch, mark processed.
func (p *Processor) ProcessAnchor(ctx context.Context, in *event.AnchoredEvent) *Result {
	start := time.Now()
	res := &Result{CorrelationID: uuid.NewString()}

	p.statsMu.Lock()
	p.received++
	p.statsMu.Unlock()

	log := p.log.With(
		"correlation_id", res.CorrelationID,
		"block_num", in.BlockNum,
		"trx_id", in.TrxID,
		"action_ordinal", in.ActionOrdinal,
		"source", in.Source,
	)
	log.Debug("anchor received", "action", in.ActionName, "content_hash", in.ContentHash)

	anchor := p.parseAnchor(in, log)
	res.EventType = anchor.typeCode

	// Normalize the anchored hash, whatever spelling the chain delivered.
	hashInput := anchor.hash
	if hashInput == nil {
		hashInput = in.ContentHash
	}
	normalized, err := hashcodec.Normalize(hashInput)
	if err != nil {
		log.Error("anchor hash unparseable", "error", err)
		return p.finish(res, StatusError, "anchor hash unparseable: "+err.Error(), log, start)
	}
	res.ContentHash = normalized
	log = log.With("event_hash", normalized)

	// Primary dedup by content hash.
	if p.dedup.SeenHash(ctx, normalized) {
		log.Info("duplicate anchor skipped")
		return p.finish(res, StatusDuplicate, "", log, start)
	}
	// Secondary dedup by chain position, guarding source-handover overlap.
	if in.TrxID != "" && p.dedup.SeenPosition(in.BlockNum, in.TrxID, in.ActionOrdinal) {
		log.Info("duplicate anchor skipped", "guard", "position")
		return p.finish(res, StatusDuplicate, "", log, start)
	}

	// Admission rules see only anchor-level data; the body is not
	// fetched for traffic the node does not want.
	if p.filter != nil {
		anchorMeta := &event.Anchor{Author: anchor.author, Type: anchor.typeCode, TS: anchor.ts, Tags: anchor.tags}
		ok, rule, ferr := p.filter.Admit(anchorMeta, anchor.payload, time.Now().Unix())
		if ferr != nil {
			log.Error("admission rule failed", "rule", rule, "error", ferr)
			return p.finish(res, StatusError, "admission rule failed: "+ferr.Error(), log, start)
		}
		if !ok {
			log.Info("anchor filtered", "rule", rule)
			return p.finish(res, StatusFiltered, "rule: "+rule, log, start)
		}
	}

	// Retrieval, CID path first when the anchor names one.
	retrieved, path, rerr := p.retrieve(ctx, anchor.eventCID, normalized, log)
	if rerr != nil {
		switch {
		case errors.Is(rerr, eventstore.ErrNotFound), errors.Is(rerr, eventstore.ErrNoSignedCopy):
			p.notFoundWarn.Do(func() {
				log.Warn("event body not found", "error", rerr)
			})
			return p.finish(res, StatusNotFound, rerr.Error(), log, start)
		case errors.Is(rerr, eventstore.ErrHashMismatch):
			log.Error("retrieved content does not match anchor", "error", rerr)
			return p.finish(res, StatusError, rerr.Error(), log, start)
		default:
			log.Error("retrieval failed", "error", rerr)
			return p.finish(res, StatusError, "retrieval failed: "+rerr.Error(), log, start)
		}
	}
	res.RetrievalSource = retrieved.Source
	res.RetrievalPath = path
	evt := retrieved.Event

	// Independent integrity re-check against the anchored hash.
	gotHash, err := canonical.EventHash(map[string]any(evt))
	if err != nil {
		return p.finish(res, StatusError, "hash event: "+err.Error(), log, start)
	}
	if gotHash != normalized {
		log.Error("content hash mismatch", "computed", gotHash)
		return p.finish(res, StatusError, fmt.Sprintf("content hash mismatch: computed %s", gotHash), log, start)
	}

	sigResult := p.verifier.Verify(evt)
	if !sigResult.OK {
		log.Warn("signature rejected", "reason", sigResult.Reason)
		return p.finish(res, StatusInvalidSignature, sigResult.Reason, log, start)
	}
	if sigResult.Bypassed {
		log.Warn("unsigned event admitted", "reason", sigResult.Reason)
	}
	log.Debug("signature verified")

	if p.requireAuth && !sigResult.Bypassed {
		account := anchor.author
		if account == "" {
			log.Warn("anchor missing author account")
			return p.finish(res, StatusUnauthorizedKey, "anchor missing author account", log, start)
		}
		authStart := time.Now()
		decision := p.authorizer.IsAuthorized(ctx, account, p.permission, evt.AuthorPubkey())
		log.Debug("authorization checked",
			"account", account, "permission", p.permission,
			"authorized", decision.Authorized, "duration_ms", time.Since(authStart).Milliseconds())
		if !decision.Authorized {
			return p.finish(res, StatusUnauthorizedKey, decision.Reason, log, start)
		}
	}

	// Cross-check the on-chain numeric type against the event's declared
	// type. Unknown codes pass so new contract types deploy ahead of us.
	typeName, known := event.TypeName(anchor.typeCode)
	if known {
		log = log.With("event_type", typeName)
		if !event.TypeMatches(anchor.typeCode, evt.Type()) {
			reason := fmt.Sprintf("Type mismatch: chain declares %d (%s), event declares %v",
				anchor.typeCode, typeName, evt.Type())
			log.Warn("type cross-check failed", "declared", evt.Type())
			return p.finish(res, StatusError, reason, log, start)
		}
		log.Debug("type check passed")
	} else {
		log.Warn("unknown on-chain type code, passing through", "type_code", anchor.typeCode)
	}

	enriched := event.Enrich(evt, event.BlockchainMetadata{
		AnchorHash:      normalized,
		BlockNum:        in.BlockNum,
		BlockID:         in.BlockID,
		TrxID:           in.TrxID,
		ActionOrdinal:   in.ActionOrdinal,
		Source:          in.Source,
		RetrievalSource: retrieved.Source,
		IngestedAt:      event.NowStamp(),
	})

	dispatchStart := time.Now()
	if err := p.registry.Dispatch(ctx, anchor.typeCode, enriched); err != nil {
		log.Error("handler failed", "error", err, "duration_ms", time.Since(dispatchStart).Milliseconds())
		return p.finish(res, StatusError, "handler failed: "+err.Error(), log, start)
	}
	log.Debug("event dispatched", "duration_ms", time.Since(dispatchStart).Milliseconds())

	p.dedup.MarkProcessed(ctx, normalized, in.BlockNum, in.TrxID)
	log.Info("anchor processed", "retrieval_source", retrieved.Source, "retrieval_path", path)
	return p.finish(res, StatusProcessed, "", log, start)
}

// parseAnchor decodes the on-chain action payload. A missing or
// malformed payload is tolerated as long as the envelope carries a
// content hash.
func (p *Processor) parseAnchor(in *event.AnchoredEvent, log *slog.Logger) anchorView {
	v := anchorView{payload: event.Event{}}
	if len(in.Payload) == 0 {
		return v
	}
	payload, err := event.ParseEvent(in.Payload)
	if err != nil {
		log.Warn("anchor payload unparseable", "error", err)
		return v
	}
	v.payload = payload
	if s, ok := payload["author"].(string); ok {
		v.author = s
	}
	v.typeCode = toInt(payload["type"])
	if s, ok := payload["event_cid"].(string); ok {
		v.eventCID = s
	}
	if h, ok := payload["hash"]; ok {
		v.hash = h
	}
	v.ts = int64(toInt(payload["ts"]))
	if tags, ok := payload["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				v.tags = append(v.tags, s)
			}
		}
	}
	return v
}

// retrieve fetches the signed body, preferring the anchored CID and
// falling back to the hash lookup when the CID path cannot serve.
func (p *Processor) retrieve(ctx context.Context, eventCID, hash string, log *slog.Logger) (*eventstore.Retrieved, string, error) {
	ioStart := time.Now()
	if eventCID != "" {
		ret, err := p.store.RetrieveByCID(ctx, eventCID)
		if err == nil {
			log.Debug("event retrieved", "path", "cid", "tier", ret.Source,
				"duration_ms", time.Since(ioStart).Milliseconds())
			return ret, "cid", nil
		}
		log.Warn("cid retrieval failed, falling back to hash lookup",
			"event_cid", eventCID, "error", err)
	}

	ioStart = time.Now()
	ret, err := p.store.RetrieveEvent(ctx, hash, eventstore.RetrieveOptions{RequireSig: true})
	if err != nil {
		return nil, "hash", err
	}
	log.Debug("event retrieved", "path", "hash", "tier", ret.Source,
		"duration_ms", time.Since(ioStart).Milliseconds())
	return ret, "hash", nil
}

func (p *Processor) finish(res *Result, status Status, reason string, log *slog.Logger, start time.Time) *Result {
	res.Status = status
	res.Reason = reason
	res.DurationMS = time.Since(start).Milliseconds()

	p.statsMu.Lock()
	if p.byStatus == nil {
		p.byStatus = make(map[Status]uint64)
	}
	p.byStatus[status]++
	if status == StatusError {
		p.lastError = reason
	}
	p.statsMu.Unlock()

	if status == StatusError {
		log.Error("anchor rejected", "status", status, "reason", reason, "duration_ms", res.DurationMS)
	}
	return res
}

// LastError returns the most recent error-status reason, for the status
// endpoint. Empty when no anchor has errored.
func (p *Processor) LastError() string {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.lastError
}

// ClearBlockWindow resets the per-block position dedup. Chain sources
// call this at each block boundary.
func (p *Processor) ClearBlockWindow() {
	p.dedup.ClearBlockWindow()
}

// Dedup exposes the shared deduper, for status reporting.
func (p *Processor) Dedup() *Deduper {
	return p.dedup
}

// Stats returns processed counts by terminal status.
func (p *Processor) Stats() map[string]uint64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := map[string]uint64{"received": p.received}
	for s, n := range p.byStatus {
		out[string(s)] = n
	}
	return out
}

// toInt coerces the numeric spellings JSON decoding can produce.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i
		}
	}
	return 0
}
