package chainsource

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// PushSource covers the externally-fed deployment mode: an upstream
// process reads the chain itself and POSTs normalized anchors to the
// ingest endpoint. The manager owns no connection here; the source exists
// so the operating mode is explicit, observable and switchable.
type PushSource struct {
	log *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewPushSource(logger *slog.Logger) *PushSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushSource{log: logger.With("component", "chainsource", "source", "push")}
}

func (p *PushSource) Name() string { return "push" }

func (p *PushSource) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("chainsource: push source already running")
	}
	p.running = true
	p.done = make(chan struct{})
	p.log.Info("push source active, anchors arrive via the ingest endpoint")
	return nil
}

func (p *PushSource) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	close(p.done)
	p.log.Info("push source stopped")
	return nil
}

func (p *PushSource) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.done
}

func (p *PushSource) Err() error { return nil }
