package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestJournalRecordAndRecent(t *testing.T) {
	j := NewJournal(10)

	j.Record(JournalEntry{ContentHash: "aaa", Status: "processed", Source: "streaming", BlockNum: 5})
	j.Record(JournalEntry{ContentHash: "bbb", Status: "duplicate", Source: "streaming", BlockNum: 5})
	j.Record(JournalEntry{ContentHash: "ccc", Status: "error", Reason: "store unavailable", Source: "push"})

	if j.Count() != 3 {
		t.Fatalf("expected 3 entries, got %d", j.Count())
	}

	recent := j.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].ContentHash != "ccc" || recent[1].ContentHash != "bbb" {
		t.Fatalf("expected newest first, got %s then %s", recent[0].ContentHash, recent[1].ContentHash)
	}
	if recent[0].Seq <= recent[1].Seq {
		t.Fatal("expected descending seq")
	}
	if recent[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled in")
	}
}

func TestJournalEvictsOldest(t *testing.T) {
	j := NewJournal(3)

	for i := 1; i <= 5; i++ {
		j.Record(JournalEntry{ContentHash: fmt.Sprintf("hash-%d", i), Status: "processed"})
	}

	if j.Count() != 3 {
		t.Fatalf("expected capacity 3, got %d", j.Count())
	}

	// The two oldest are gone, including their index entries.
	if got := j.Query(JournalQuery{ContentHash: "hash-1"}); len(got) != 0 {
		t.Fatalf("expected hash-1 evicted, got %d entries", len(got))
	}
	if got := j.Query(JournalQuery{ContentHash: "hash-5"}); len(got) != 1 {
		t.Fatalf("expected hash-5 retained, got %d entries", len(got))
	}
}

func TestJournalQueryByStatus(t *testing.T) {
	j := NewJournal(10)

	j.Record(JournalEntry{ContentHash: "aaa", Status: "processed"})
	j.Record(JournalEntry{ContentHash: "bbb", Status: "invalid_signature"})
	j.Record(JournalEntry{ContentHash: "ccc", Status: "processed"})

	got := j.Query(JournalQuery{Status: "processed"})
	if len(got) != 2 {
		t.Fatalf("expected 2 processed entries, got %d", len(got))
	}
	got = j.Query(JournalQuery{Status: "invalid_signature"})
	if len(got) != 1 || got[0].ContentHash != "bbb" {
		t.Fatalf("unexpected invalid_signature entries: %v", got)
	}
}

func TestJournalQueryTimeRange(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	j := NewJournal(10).WithClock(func() time.Time { return now })

	j.Record(JournalEntry{ContentHash: "aaa", Status: "processed"})
	now = base.Add(10 * time.Minute)
	j.Record(JournalEntry{ContentHash: "bbb", Status: "processed"})
	now = base.Add(20 * time.Minute)
	j.Record(JournalEntry{ContentHash: "ccc", Status: "processed"})

	after := base.Add(5 * time.Minute)
	before := base.Add(15 * time.Minute)
	got := j.Query(JournalQuery{After: &after, Before: &before})
	if len(got) != 1 || got[0].ContentHash != "bbb" {
		t.Fatalf("expected only the middle entry, got %v", got)
	}
}

func TestJournalDuplicateHashesShareIndex(t *testing.T) {
	j := NewJournal(10)

	// The same content hash shows up once as processed, then as duplicate.
	j.Record(JournalEntry{ContentHash: "aaa", Status: "processed"})
	j.Record(JournalEntry{ContentHash: "aaa", Status: "duplicate"})

	got := j.Query(JournalQuery{ContentHash: "aaa"})
	if len(got) != 2 {
		t.Fatalf("expected both entries for the hash, got %d", len(got))
	}
	if got[0].Status != "duplicate" || got[1].Status != "processed" {
		t.Fatalf("expected newest first, got %s then %s", got[0].Status, got[1].Status)
	}
}
