package chainsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrSourceActive    = errors.New("chainsource: a source is already active")
	ErrUnknownSource   = errors.New("chainsource: unknown source")
	ErrDuplicateSource = errors.New("chainsource: source already registered")
)

// Manager holds the registered sources and keeps exactly one active.
// Switching stops the current source before starting the next; the
// handover overlap that produces is harmless because the processor dedups
// by content hash and chain position.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	sources  map[string]Source
	active   Source
	switches uint64

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:     logger.With("component", "chainsource"),
		sources: make(map[string]Source),
		failed:  make(chan struct{}),
	}
}

// Register adds a source under its own name. All registration happens
// before the first Start.
func (m *Manager) Register(src Source) error {
	if src == nil {
		return errors.New("chainsource: nil source")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[src.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name())
	}
	m.sources[src.Name()] = src
	return nil
}

// Start activates the named source.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.active != nil {
		cur := m.active.Name()
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceActive, cur)
	}
	src, ok := m.sources[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}

	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("chainsource: start %s: %w", name, err)
	}
	m.mu.Lock()
	m.active = src
	m.mu.Unlock()
	go m.watch(src)
	m.log.Info("chain source started", "source", name)
	return nil
}

// SwitchSource stops the active source, then starts the named one.
// Starting the same source again is a no-op.
func (m *Manager) SwitchSource(ctx context.Context, name string) error {
	m.mu.Lock()
	next, ok := m.sources[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	cur := m.active
	if cur == next {
		m.mu.Unlock()
		return nil
	}
	m.active = nil
	m.mu.Unlock()

	from := ""
	if cur != nil {
		from = cur.Name()
		if err := cur.Stop(ctx); err != nil {
			// Overlap during handover is absorbed by the processor's dedup,
			// so a slow drain does not block the switch.
			m.log.Warn("source did not stop cleanly during switch", "source", from, "error", err)
		}
	}

	if err := next.Start(ctx); err != nil {
		return fmt.Errorf("chainsource: switch to %s: %w", name, err)
	}
	m.mu.Lock()
	m.active = next
	m.switches++
	m.mu.Unlock()
	go m.watch(next)
	m.log.Info("chain source switched", "from", from, "to", name)
	return nil
}

// Stop deactivates the current source, if any.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cur := m.active
	m.active = nil
	m.mu.Unlock()
	if cur == nil {
		return nil
	}
	if err := cur.Stop(ctx); err != nil {
		return err
	}
	m.log.Info("chain source stopped", "source", cur.Name())
	return nil
}

// Active names the running source, empty when none is.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.Name()
}

// Failed is closed when the active source dies on its own. Err carries
// the cause. Manager-initiated stops and completed block ranges do not
// trip it.
func (m *Manager) Failed() <-chan struct{} { return m.failed }

func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

// Stats aggregates per-source counters for the status surface.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]any{
		"active":   "",
		"switches": m.switches,
	}
	if m.active != nil {
		out["active"] = m.active.Name()
	}
	for name, src := range m.sources {
		if sp, ok := src.(interface{ Stats() map[string]any }); ok {
			out[name] = sp.Stats()
		}
	}
	return out
}

// watch notices a source exiting while it is still supposed to be the
// active one.
func (m *Manager) watch(src Source) {
	<-src.Done()

	m.mu.Lock()
	wasActive := m.active == src
	m.mu.Unlock()
	if !wasActive {
		return
	}

	if err := src.Err(); err != nil {
		m.log.Error("chain source failed", "source", src.Name(), "error", err)
		m.failOnce.Do(func() {
			m.mu.Lock()
			m.failErr = err
			m.mu.Unlock()
			close(m.failed)
		})
		return
	}
	m.log.Info("chain source completed", "source", src.Name())
}
