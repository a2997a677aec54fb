// Package dispatch routes verified events to type-specific handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
)

var (
	ErrNilHandler       = errors.New("dispatch: nil handler")
	ErrDuplicateHandler = errors.New("dispatch: handler already registered for type")
	ErrSealed           = errors.New("dispatch: registry is sealed")
	ErrUnknownTypeName  = errors.New("dispatch: unknown type name")
)

// Handler consumes one verified, enriched event. Implementations must be
// safe for concurrent calls.
type Handler interface {
	// Name identifies the handler in logs and stats.
	Name() string
	HandleEvent(ctx context.Context, evt event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, evt event.Event) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) HandleEvent(ctx context.Context, evt event.Event) error {
	return h.Fn(ctx, evt)
}

// Func builds a HandlerFunc.
func Func(name string, fn func(ctx context.Context, evt event.Event) error) Handler {
	return HandlerFunc{HandlerName: name, Fn: fn}
}

// Registry maps numeric event type codes to handlers. Register everything
// during startup, then Seal; dispatch runs lock-free reads after that.
type Registry struct {
	mu     sync.RWMutex
	byCode map[int]Handler
	sealed bool
	log    *slog.Logger

	statsMu    sync.Mutex
	dispatched uint64
	skipped    uint64
	failed     uint64
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byCode: make(map[int]Handler),
		log:    logger.With("component", "dispatch"),
	}
}

// Register binds a handler to a numeric type code.
func (r *Registry) Register(code int, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if existing, ok := r.byCode[code]; ok {
		return fmt.Errorf("%w: code %d already bound to %s", ErrDuplicateHandler, code, existing.Name())
	}
	r.byCode[code] = h
	return nil
}

// RegisterByName binds a handler using a symbolic type name such as
// "VOTE" instead of its numeric code.
func (r *Registry) RegisterByName(typeName string, h Handler) error {
	code, ok := event.TypeCode(typeName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTypeName, typeName)
	}
	return r.Register(code, h)
}

// Seal closes the registry to further registration and logs the final
// routing table.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.sealed = true
	for _, code := range r.codesLocked() {
		name, _ := event.TypeName(code)
		r.log.Info("handler registered",
			"type_code", code, "type_name", name, "handler", r.byCode[code].Name())
	}
}

// Handler returns the handler bound to code, if any.
func (r *Registry) Handler(code int) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byCode[code]
	return h, ok
}

// Codes lists all registered type codes in ascending order.
func (r *Registry) Codes() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.codesLocked()
}

func (r *Registry) codesLocked() []int {
	codes := make([]int, 0, len(r.byCode))
	for c := range r.byCode {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}

// Dispatch routes evt to the handler for code. A missing handler is not
// an error: the event is logged and skipped so unrecognized types flow
// through the pipeline without stalling it. Handler failures are
// returned to the caller.
func (r *Registry) Dispatch(ctx context.Context, code int, evt event.Event) error {
	h, ok := r.Handler(code)
	if !ok {
		r.statsMu.Lock()
		r.skipped++
		r.statsMu.Unlock()
		name, _ := event.TypeName(code)
		r.log.Warn("no handler for event type, skipping",
			"type_code", code, "type_name", name)
		return nil
	}

	if err := h.HandleEvent(ctx, evt); err != nil {
		r.statsMu.Lock()
		r.failed++
		r.statsMu.Unlock()
		return fmt.Errorf("dispatch: handler %s: %w", h.Name(), err)
	}

	r.statsMu.Lock()
	r.dispatched++
	r.statsMu.Unlock()
	return nil
}

// Stats returns dispatch counters for the status endpoint.
func (r *Registry) Stats() map[string]uint64 {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return map[string]uint64{
		"dispatched": r.dispatched,
		"skipped":    r.skipped,
		"failed":     r.failed,
	}
}
