package eventstore

import "sync"

// Stats tracks per-layer counters. All methods are safe for concurrent use.
type Stats struct {
	mu          sync.Mutex
	stored      uint64
	retrieved   uint64
	cacheHits   uint64
	cacheMisses uint64
	ipfsStores  uint64
	s3Stores    uint64
	errors      uint64
}

func (s *Stats) incStored()     { s.mu.Lock(); s.stored++; s.mu.Unlock() }
func (s *Stats) incRetrieved()  { s.mu.Lock(); s.retrieved++; s.mu.Unlock() }
func (s *Stats) incCacheHit()   { s.mu.Lock(); s.cacheHits++; s.mu.Unlock() }
func (s *Stats) incCacheMiss()  { s.mu.Lock(); s.cacheMisses++; s.mu.Unlock() }
func (s *Stats) incIPFSStores() { s.mu.Lock(); s.ipfsStores++; s.mu.Unlock() }
func (s *Stats) incS3Stores()   { s.mu.Lock(); s.s3Stores++; s.mu.Unlock() }
func (s *Stats) incErrors()     { s.mu.Lock(); s.errors++; s.mu.Unlock() }

// Snapshot returns a point-in-time copy of all counters.
func (s *Stats) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]uint64{
		"stored":      s.stored,
		"retrieved":   s.retrieved,
		"cacheHits":   s.cacheHits,
		"cacheMisses": s.cacheMisses,
		"ipfsStores":  s.ipfsStores,
		"s3Stores":    s.s3Stores,
		"errors":      s.errors,
	}
}
