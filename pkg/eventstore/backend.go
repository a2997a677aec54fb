// Package eventstore implements the redundant three-tier storage for event
// bodies: a fast cache, a content-addressed block store, and a durable
// object store. Writes fan out to every configured tier; reads fall back
// tier by tier with an integrity re-check on every hit.
package eventstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means no tier could yield the body. Retryable later.
	ErrNotFound = errors.New("eventstore: event not found in any tier")
	// ErrHashMismatch means a tier returned content whose recomputed hash
	// differs from the requested one. Fatal integrity violation.
	ErrHashMismatch = errors.New("eventstore: retrieved content hash mismatch")
	// ErrNoSignedCopy means signature-required retrieval found only
	// signature-less canonical copies.
	ErrNoSignedCopy = errors.New("eventstore: no tier holds a signed copy")
	// ErrAllBackendsFailed means a write reached zero tiers.
	ErrAllBackendsFailed = errors.New("eventstore: all backends failed")
	// ErrNoBackends means the store was constructed without any tier.
	ErrNoBackends = errors.New("eventstore: no backends configured")
)

// CacheBackend is the fast tier. Event bodies live under event:{hash} and
// the hash-to-CID mapping under ipfs:hash:{hash}, both with TTL.
type CacheBackend interface {
	GetEvent(ctx context.Context, hash string) ([]byte, error)
	SetEvent(ctx context.Context, hash string, data []byte) error
	GetCID(ctx context.Context, hash string) (string, error)
	SetCID(ctx context.Context, hash, cid string) error
	Ping(ctx context.Context) error
	Close() error
}

// BlockBackend is the content-addressed tier: raw blocks addressed by
// CIDv1 (raw codec, sha2-256).
type BlockBackend interface {
	PutBlock(ctx context.Context, data []byte) (string, error)
	GetBlock(ctx context.Context, cid string) ([]byte, error)
	Pin(ctx context.Context, cid string) error
	Unpin(ctx context.Context, cid string) error
	// AgentVersion identifies the remote node; used by connectivity checks.
	AgentVersion(ctx context.Context) (string, error)
	Close() error
}

// ObjectBackend is the durable tier. Bodies live under
// events/{hash[0:2]}/{hash}.json and sidecar mappings under
// mappings/{hash[0:2]}/{hash}.json.
type ObjectBackend interface {
	Name() string
	PutEvent(ctx context.Context, hash string, data []byte) error
	GetEvent(ctx context.Context, hash string) ([]byte, error)
	PutSidecar(ctx context.Context, hash string, sc Sidecar) error
	GetSidecar(ctx context.Context, hash string) (Sidecar, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sidecar maps a content hash to its block CID so the mapping survives
// cache loss.
type Sidecar struct {
	Hash     string `json:"hash"`
	CID      string `json:"cid"`
	StoredAt string `json:"stored_at"`
}
