// Recent-activity journal for the status surface.
//
// Every terminal pipeline result lands here so operators can ask the
// node "what just happened" without scraping logs. Capacity is bounded;
// the journal keeps the most recent entries and an index by content
// hash for tracing a specific event through retries and duplicates.
package observability

import (
	"sort"
	"sync"
	"time"
)

// JournalEntry is one terminal pipeline result.
type JournalEntry struct {
	Seq         int64     `json:"seq"`
	ContentHash string    `json:"content_hash"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	EventType   int       `json:"event_type,omitempty"`
	Source      string    `json:"source"`
	BlockNum    uint32    `json:"block_num,omitempty"`
	TrxID       string    `json:"trx_id,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// JournalQuery filters journal entries. Zero values match everything.
type JournalQuery struct {
	ContentHash string     `json:"content_hash,omitempty"`
	Status      string     `json:"status,omitempty"`
	After       *time.Time `json:"after,omitempty"`
	Before      *time.Time `json:"before,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// Journal is a bounded in-memory record of recent pipeline results.
type Journal struct {
	mu      sync.RWMutex
	entries []JournalEntry
	byHash  map[string][]int64 // content hash → seq numbers
	seq     int64
	cap     int
	clock   func() time.Time
}

// NewJournal creates a journal holding at most capacity entries.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Journal{
		byHash: make(map[string][]int64),
		cap:    capacity,
		clock:  time.Now,
	}
}

// WithClock overrides clock for testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// Record appends an entry, evicting the oldest when full.
func (j *Journal) Record(entry JournalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry.Seq = j.seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = j.clock()
	}

	if len(j.entries) >= j.cap {
		evicted := j.entries[0]
		j.entries = j.entries[1:]
		j.dropFromIndex(evicted)
	}
	j.entries = append(j.entries, entry)
	if entry.ContentHash != "" {
		j.byHash[entry.ContentHash] = append(j.byHash[entry.ContentHash], entry.Seq)
	}
}

func (j *Journal) dropFromIndex(entry JournalEntry) {
	if entry.ContentHash == "" {
		return
	}
	seqs := j.byHash[entry.ContentHash]
	for i, s := range seqs {
		if s == entry.Seq {
			seqs = append(seqs[:i], seqs[i+1:]...)
			break
		}
	}
	if len(seqs) == 0 {
		delete(j.byHash, entry.ContentHash)
	} else {
		j.byHash[entry.ContentHash] = seqs
	}
}

// Query returns matching entries, newest first.
func (j *Journal) Query(q JournalQuery) []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var results []JournalEntry
	for _, e := range j.entries {
		if q.ContentHash != "" && e.ContentHash != q.ContentHash {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, k int) bool {
		return results[i].Seq > results[k].Seq
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(n int) []JournalEntry {
	return j.Query(JournalQuery{Limit: n})
}

// Count returns the number of retained entries.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}
