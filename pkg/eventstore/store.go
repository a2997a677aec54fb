package eventstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Arpeggio-Labs/chorus/pkg/canonical"
	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/hashcodec"
)

// Config wires the store's tiers. Every tier is optional, but at least one
// must be configured.
type Config struct {
	Cache   CacheBackend
	Blocks  BlockBackend
	Objects ObjectBackend
	Logger  *slog.Logger
}

// Store is the three-tier event store facade.
type Store struct {
	cache   CacheBackend
	blocks  BlockBackend
	objects ObjectBackend
	log     *slog.Logger
	stats   Stats
}

// New creates a Store over the configured tiers.
func New(cfg Config) (*Store, error) {
	if cfg.Cache == nil && cfg.Blocks == nil && cfg.Objects == nil {
		return nil, ErrNoBackends
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		cache:   cfg.Cache,
		blocks:  cfg.Blocks,
		objects: cfg.Objects,
		log:     log.With("component", "eventstore"),
	}, nil
}

// BackendOutcome is the per-tier result of a write.
type BackendOutcome struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StoreResult describes a completed write.
type StoreResult struct {
	Hash         string                    `json:"hash"`
	CanonicalCID string                    `json:"canonical_cid,omitempty"`
	EventCID     string                    `json:"event_cid,omitempty"`
	Backends     map[string]BackendOutcome `json:"backends"`
}

// RetrieveOptions controls retrieval behavior.
type RetrieveOptions struct {
	// RequireSig refuses signature-less canonical copies and keeps falling
	// through until a tier yields the full signed body.
	RequireSig bool
}

// Retrieved is a successful read, recording which tier served it.
type Retrieved struct {
	Event  event.Event `json:"event"`
	Source string      `json:"source"`
	CID    string      `json:"cid,omitempty"`
}

// CalculateHash returns the content hash of evt (canonical form, signature
// excluded).
func (s *Store) CalculateHash(evt event.Event) (string, error) {
	return canonical.EventHash(map[string]any(evt))
}

// StoreEvent validates evt, verifies it against expectedHash when given, and
// fans the write out to every configured tier in parallel. The write
// succeeds when at least one tier accepts it.
//
// An expectedHash mismatch fails before any backend is touched, so tampered
// content can never be stored under an anchored hash.
func (s *Store) StoreEvent(ctx context.Context, evt event.Event, expectedHash string) (*StoreResult, error) {
	vr := event.Validate(evt)
	if !vr.Valid {
		s.stats.incErrors()
		return nil, vr.Err()
	}
	hash := vr.Hash

	if expectedHash != "" {
		want, err := hashcodec.Normalize(expectedHash)
		if err != nil {
			s.stats.incErrors()
			return nil, fmt.Errorf("eventstore: expected hash unparseable: %w", err)
		}
		if want != hash {
			s.stats.incErrors()
			return nil, fmt.Errorf("%w: computed %s, anchored %s", ErrHashMismatch, hash, want)
		}
	}

	canonBytes, err := canonical.CanonicalizeEvent(map[string]any(evt))
	if err != nil {
		s.stats.incErrors()
		return nil, fmt.Errorf("eventstore: canonicalize failed: %w", err)
	}
	fullBytes, err := canonical.Canonicalize(map[string]any(evt))
	if err != nil {
		s.stats.incErrors()
		return nil, fmt.Errorf("eventstore: serialize failed: %w", err)
	}

	canonCID, err := hashcodec.CIDFromHex(hash)
	if err != nil {
		s.stats.incErrors()
		return nil, fmt.Errorf("eventstore: canonical CID derivation failed: %w", err)
	}
	fullDigest := sha256.Sum256(fullBytes)
	eventCID, err := hashcodec.CIDFromDigest(fullDigest[:])
	if err != nil {
		s.stats.incErrors()
		return nil, fmt.Errorf("eventstore: event CID derivation failed: %w", err)
	}

	result := &StoreResult{
		Hash:         hash,
		CanonicalCID: canonCID.String(),
		EventCID:     eventCID.String(),
		Backends:     make(map[string]BackendOutcome),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
		ok int
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Backends[name] = BackendOutcome{Error: err.Error()}
			s.stats.incErrors()
			s.log.Warn("backend write failed", "backend", name, "hash", hash, "error", err)
			return
		}
		result.Backends[name] = BackendOutcome{OK: true}
		ok++
	}

	if s.blocks != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.writeBlocks(ctx, canonBytes, fullBytes, result.CanonicalCID, result.EventCID)
			if err == nil {
				s.stats.incIPFSStores()
			}
			record("ipfs", err)
		}()
	}
	if s.objects != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.writeObjects(ctx, hash, fullBytes, result.EventCID)
			if err == nil {
				s.stats.incS3Stores()
			}
			record(s.objects.Name(), err)
		}()
	}
	if s.cache != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record("cache", s.writeCache(ctx, hash, fullBytes, result.EventCID))
		}()
	}
	wg.Wait()

	if ok == 0 {
		return result, fmt.Errorf("%w: %v", ErrAllBackendsFailed, result.Backends)
	}
	s.stats.incStored()
	s.log.Debug("event stored",
		"hash", hash,
		"canonical_cid", result.CanonicalCID,
		"event_cid", result.EventCID,
		"backends_ok", ok)
	return result, nil
}

func (s *Store) writeBlocks(ctx context.Context, canonBytes, fullBytes []byte, wantCanonCID, wantEventCID string) error {
	gotCanon, err := s.blocks.PutBlock(ctx, canonBytes)
	if err != nil {
		return fmt.Errorf("canonical block put: %w", err)
	}
	if gotCanon != wantCanonCID {
		return fmt.Errorf("canonical block CID %s differs from derived %s", gotCanon, wantCanonCID)
	}
	gotEvent, err := s.blocks.PutBlock(ctx, fullBytes)
	if err != nil {
		return fmt.Errorf("event block put: %w", err)
	}
	if gotEvent != wantEventCID {
		return fmt.Errorf("event block CID %s differs from derived %s", gotEvent, wantEventCID)
	}
	if err := s.blocks.Pin(ctx, gotEvent); err != nil {
		s.log.Warn("event block pin failed", "cid", gotEvent, "error", err)
	}
	return nil
}

func (s *Store) writeObjects(ctx context.Context, hash string, fullBytes []byte, eventCID string) error {
	if err := s.objects.PutEvent(ctx, hash, fullBytes); err != nil {
		return fmt.Errorf("event object put: %w", err)
	}
	sc := Sidecar{Hash: hash, CID: eventCID, StoredAt: event.NowStamp()}
	if err := s.objects.PutSidecar(ctx, hash, sc); err != nil {
		return fmt.Errorf("sidecar put: %w", err)
	}
	return nil
}

func (s *Store) writeCache(ctx context.Context, hash string, fullBytes []byte, eventCID string) error {
	if err := s.cache.SetEvent(ctx, hash, fullBytes); err != nil {
		return fmt.Errorf("cache event set: %w", err)
	}
	if err := s.cache.SetCID(ctx, hash, eventCID); err != nil {
		return fmt.Errorf("cache cid set: %w", err)
	}
	return nil
}

// RetrieveEvent reads the event body for hash, consulting cache, block
// store, and object store in that order. Every hit is re-hashed and must
// match the requested hash. Reads served by a slower tier repopulate the
// cache, but only when the retrieved copy carries a signature.
func (s *Store) RetrieveEvent(ctx context.Context, hash string, opts RetrieveOptions) (*Retrieved, error) {
	norm, err := hashcodec.Normalize(hash)
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}

	sawUnsigned := false

	if s.cache != nil {
		data, err := s.cache.GetEvent(ctx, norm)
		switch {
		case err == nil:
			evt, perr := s.parseAndCheck(norm, data)
			if perr != nil {
				if errors.Is(perr, ErrHashMismatch) {
					return nil, perr
				}
				s.stats.incErrors()
				s.log.Warn("cache entry unreadable", "hash", norm, "error", perr)
			} else if opts.RequireSig && !evt.HasSig() {
				sawUnsigned = true
				s.log.Warn("cache entry lacks signature, falling through", "hash", norm)
			} else {
				s.stats.incCacheHit()
				s.stats.incRetrieved()
				return &Retrieved{Event: evt, Source: "cache"}, nil
			}
		case errors.Is(err, ErrNotFound):
			s.stats.incCacheMiss()
		default:
			s.stats.incErrors()
			s.log.Warn("cache read failed", "hash", norm, "error", err)
		}
	}

	if s.blocks != nil {
		if cidStr := s.resolveCID(ctx, norm); cidStr != "" {
			data, err := s.blocks.GetBlock(ctx, cidStr)
			if err == nil {
				evt, perr := s.parseAndCheck(norm, data)
				if perr != nil {
					if errors.Is(perr, ErrHashMismatch) {
						return nil, perr
					}
					s.stats.incErrors()
					s.log.Warn("block unreadable", "hash", norm, "cid", cidStr, "error", perr)
				} else if opts.RequireSig && !evt.HasSig() {
					sawUnsigned = true
					s.log.Debug("block copy is canonical, falling through for signed copy",
						"hash", norm, "cid", cidStr)
				} else {
					s.repopulateCache(ctx, norm, evt, cidStr)
					s.stats.incRetrieved()
					return &Retrieved{Event: evt, Source: "ipfs", CID: cidStr}, nil
				}
			} else if !errors.Is(err, ErrNotFound) {
				s.stats.incErrors()
				s.log.Warn("block fetch failed", "hash", norm, "cid", cidStr, "error", err)
			}
		}
	}

	if s.objects != nil {
		data, err := s.objects.GetEvent(ctx, norm)
		switch {
		case err == nil:
			evt, perr := s.parseAndCheck(norm, data)
			if perr != nil {
				if errors.Is(perr, ErrHashMismatch) {
					return nil, perr
				}
				s.stats.incErrors()
				return nil, perr
			}
			if opts.RequireSig && !evt.HasSig() {
				return nil, ErrNoSignedCopy
			}
			s.repopulateCache(ctx, norm, evt, "")
			s.stats.incRetrieved()
			return &Retrieved{Event: evt, Source: s.objects.Name()}, nil
		case errors.Is(err, ErrNotFound):
		default:
			s.stats.incErrors()
			s.log.Warn("object read failed", "hash", norm, "error", err)
		}
	}

	if sawUnsigned {
		return nil, ErrNoSignedCopy
	}
	return nil, ErrNotFound
}

// RetrieveByCID fetches a block directly from the content-addressed tier
// and validates its structure. When the CID carries a sha2-256 raw digest,
// the block bytes are checked against it.
func (s *Store) RetrieveByCID(ctx context.Context, cidStr string) (*Retrieved, error) {
	if s.blocks == nil {
		return nil, fmt.Errorf("eventstore: no block backend configured")
	}
	data, err := s.blocks.GetBlock(ctx, cidStr)
	if err != nil {
		s.stats.incErrors()
		return nil, fmt.Errorf("eventstore: block fetch %s: %w", cidStr, err)
	}

	if c, perr := hashcodec.ParseCID(cidStr); perr == nil {
		if want, derr := hashcodec.HexFromCID(c); derr == nil {
			if got := canonical.HashBytes(data); got != want {
				s.stats.incErrors()
				return nil, fmt.Errorf("%w: block %s hashes to %s", ErrHashMismatch, cidStr, got)
			}
		}
	}

	evt, err := event.ParseEvent(data)
	if err != nil {
		s.stats.incErrors()
		return nil, fmt.Errorf("eventstore: block %s: %w", cidStr, err)
	}
	if vr := event.Validate(evt); !vr.Valid {
		s.stats.incErrors()
		return nil, vr.Err()
	}
	s.stats.incRetrieved()
	return &Retrieved{Event: evt, Source: "ipfs", CID: cidStr}, nil
}

func (s *Store) parseAndCheck(wantHash string, data []byte) (event.Event, error) {
	evt, err := event.ParseEvent(data)
	if err != nil {
		return nil, err
	}
	got, err := canonical.EventHash(map[string]any(evt))
	if err != nil {
		return nil, err
	}
	if got != wantHash {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, got, wantHash)
	}
	return evt, nil
}

// resolveCID finds the block CID for a hash: cached mapping first, then the
// durable sidecar, finally the locally derived canonical CID.
func (s *Store) resolveCID(ctx context.Context, hash string) string {
	if s.cache != nil {
		if cid, err := s.cache.GetCID(ctx, hash); err == nil && cid != "" {
			return cid
		}
	}
	if s.objects != nil {
		if sc, err := s.objects.GetSidecar(ctx, hash); err == nil && sc.CID != "" {
			return sc.CID
		}
	}
	if c, err := hashcodec.CIDFromHex(hash); err == nil {
		return c.String()
	}
	return ""
}

func (s *Store) repopulateCache(ctx context.Context, hash string, evt event.Event, cid string) {
	if s.cache == nil || !evt.HasSig() {
		return
	}
	data, err := canonical.Canonicalize(map[string]any(evt))
	if err != nil {
		return
	}
	if err := s.cache.SetEvent(ctx, hash, data); err != nil {
		s.stats.incErrors()
		s.log.Warn("cache repopulation failed", "hash", hash, "error", err)
		return
	}
	if cid != "" {
		if err := s.cache.SetCID(ctx, hash, cid); err != nil {
			s.log.Warn("cache cid repopulation failed", "hash", hash, "error", err)
		}
	}
}

// TierStatus is the connectivity state of one tier.
type TierStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ConnectivityReport is the result of probing every configured tier.
type ConnectivityReport struct {
	Cache   *TierStatus `json:"cache,omitempty"`
	IPFS    *TierStatus `json:"ipfs,omitempty"`
	Objects *TierStatus `json:"objects,omitempty"`
}

// Reachable counts the tiers that answered.
func (r *ConnectivityReport) Reachable() int {
	n := 0
	for _, t := range []*TierStatus{r.Cache, r.IPFS, r.Objects} {
		if t != nil && t.OK {
			n++
		}
	}
	return n
}

// TestConnectivity probes every configured tier and reports per-tier status.
func (s *Store) TestConnectivity(ctx context.Context) *ConnectivityReport {
	report := &ConnectivityReport{}
	if s.cache != nil {
		report.Cache = &TierStatus{OK: true}
		if err := s.cache.Ping(ctx); err != nil {
			report.Cache = &TierStatus{Error: err.Error()}
		}
	}
	if s.blocks != nil {
		agent, err := s.blocks.AgentVersion(ctx)
		if err != nil {
			report.IPFS = &TierStatus{Error: err.Error()}
		} else {
			report.IPFS = &TierStatus{OK: true, Detail: agent}
		}
	}
	if s.objects != nil {
		report.Objects = &TierStatus{OK: true, Detail: s.objects.Name()}
		if err := s.objects.Ping(ctx); err != nil {
			report.Objects = &TierStatus{Error: err.Error()}
		}
	}
	return report
}

// Stats returns a snapshot of the per-layer counters.
func (s *Store) Stats() map[string]uint64 {
	return s.stats.Snapshot()
}

// Close releases every backend client.
func (s *Store) Close() error {
	var errs []error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if s.blocks != nil {
		if err := s.blocks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("blocks close: %w", err))
		}
	}
	if s.objects != nil {
		if err := s.objects.Close(); err != nil {
			errs = append(errs, fmt.Errorf("objects close: %w", err))
		}
	}
	return errors.Join(errs...)
}
