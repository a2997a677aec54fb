package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultDedupCapacity bounds the in-memory set of processed content
// hashes. When the set fills it is cleared whole rather than evicted
// piecemeal, trading a brief re-processing window for flat memory.
const DefaultDedupCapacity = 10000

// DedupIndex is an optional durable record of processed hashes that
// survives restarts. The in-memory set remains the fast path.
type DedupIndex interface {
	Seen(ctx context.Context, hash string) (bool, error)
	Record(ctx context.Context, hash string, blockNum uint32, trxID string) error
	Close() error
}

// Deduper tracks recently processed content hashes plus, per block
// window, the chain positions already handled. Both guards together give
// at-most-once delivery to handlers under normal operation.
type Deduper struct {
	mu        sync.Mutex
	capacity  int
	hashes    map[string]struct{}
	positions map[string]struct{}
	durable   DedupIndex
	log       *slog.Logger

	overflowClears uint64
	hashHits       uint64
	positionHits   uint64
	durableHits    uint64
	durableErrors  uint64
}

// NewDeduper creates a Deduper with the given capacity (0 means
// DefaultDedupCapacity). durable may be nil.
func NewDeduper(capacity int, durable DedupIndex, logger *slog.Logger) *Deduper {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduper{
		capacity:  capacity,
		hashes:    make(map[string]struct{}),
		positions: make(map[string]struct{}),
		durable:   durable,
		log:       logger.With("component", "dedup"),
	}
}

// SeenHash reports whether hash was already processed. It does not admit
// the hash; call MarkProcessed after the pipeline completes so failed
// attempts stay retryable.
func (d *Deduper) SeenHash(ctx context.Context, hash string) bool {
	d.mu.Lock()
	_, ok := d.hashes[hash]
	if ok {
		d.hashHits++
	}
	d.mu.Unlock()
	if ok {
		return true
	}

	if d.durable != nil {
		seen, err := d.durable.Seen(ctx, hash)
		if err != nil {
			d.mu.Lock()
			d.durableErrors++
			d.mu.Unlock()
			d.log.Warn("durable dedup lookup failed, treating as unseen", "error", err)
			return false
		}
		if seen {
			d.mu.Lock()
			d.durableHits++
			d.mu.Unlock()
			return true
		}
	}
	return false
}

// SeenPosition reports whether the chain position (block, transaction,
// action ordinal) was already handled in the current block window, and
// admits it when new. This catches re-delivery of the same action before
// its content hash lands in the processed set.
func (d *Deduper) SeenPosition(blockNum uint32, trxID string, ordinal uint32) bool {
	key := fmt.Sprintf("%d:%s:%d", blockNum, trxID, ordinal)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.positions[key]; ok {
		d.positionHits++
		return true
	}
	d.positions[key] = struct{}{}
	return false
}

// MarkProcessed records hash as processed, clearing the whole set first
// when it is full. The durable index, when present, is updated
// best-effort.
func (d *Deduper) MarkProcessed(ctx context.Context, hash string, blockNum uint32, trxID string) {
	d.mu.Lock()
	if len(d.hashes) >= d.capacity {
		d.hashes = make(map[string]struct{})
		d.overflowClears++
		d.log.Info("dedup set full, cleared", "capacity", d.capacity)
	}
	d.hashes[hash] = struct{}{}
	d.mu.Unlock()

	if d.durable != nil {
		if err := d.durable.Record(ctx, hash, blockNum, trxID); err != nil {
			d.mu.Lock()
			d.durableErrors++
			d.mu.Unlock()
			d.log.Warn("durable dedup record failed", "hash", hash, "error", err)
		}
	}
}

// ClearBlockWindow resets the position guard. Call it when a new block
// begins so the map tracks only the current window.
func (d *Deduper) ClearBlockWindow() {
	d.mu.Lock()
	d.positions = make(map[string]struct{})
	d.mu.Unlock()
}

// Stats returns dedup counters for the status endpoint.
func (d *Deduper) Stats() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]uint64{
		"entries":        uint64(len(d.hashes)),
		"overflowClears": d.overflowClears,
		"hashHits":       d.hashHits,
		"positionHits":   d.positionHits,
		"durableHits":    d.durableHits,
		"durableErrors":  d.durableErrors,
	}
}
