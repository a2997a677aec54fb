package observability

import (
	"testing"
	"time"
)

func TestSLODefaultIngestTarget(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(DefaultIngestTarget())

	status, err := tracker.Status(OpIngest)
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance with no observations")
	}
	if status.ErrorBudgetLeft != 100.0 {
		t.Fatalf("expected full error budget, got %.2f", status.ErrorBudgetLeft)
	}
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   OpIngest,
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// 100 anchors through the pipeline, all under the latency target
	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: OpIngest, Latency: 100 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status(OpIngest)
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.CurrentSuccess)
	}
}

func TestSLOOutOfCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   OpIngest,
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// 90 terminal results + 10 pipeline errors = 90% (below 99% target)
	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: OpIngest, Latency: 100 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: OpIngest, Latency: 100 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status(OpIngest)
	if status.InCompliance {
		t.Fatal("expected out of compliance")
	}
}

func TestSLOBurnRate(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   OpIngest,
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99, // 1% error budget
		WindowHours: 1,
	})

	// 5% error rate → burn rate = 5x
	for i := 0; i < 95; i++ {
		tracker.Record(SLOObservation{Operation: OpIngest, Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(SLOObservation{Operation: OpIngest, Latency: 10 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status(OpIngest)
	if status.BurnRate < 4.0 {
		t.Fatalf("expected high burn rate, got %.2f", status.BurnRate)
	}
	if status.ErrorBudgetLeft != 0 {
		t.Fatalf("expected exhausted error budget, got %.2f", status.ErrorBudgetLeft)
	}
}

func TestSLOWindowExcludesOldObservations(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   OpIngest,
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// Failures from two hours ago must not count against the window.
	stale := now.Add(-2 * time.Hour)
	for i := 0; i < 50; i++ {
		tracker.Record(SLOObservation{Operation: OpIngest, Latency: 10 * time.Millisecond, Success: false, Timestamp: stale})
	}
	tracker.Record(SLOObservation{Operation: OpIngest, Latency: 10 * time.Millisecond, Success: true})

	status, _ := tracker.Status(OpIngest)
	if !status.InCompliance {
		t.Fatal("expected compliance, stale failures should age out")
	}
	if status.ObservationCount != 1 {
		t.Fatalf("expected 1 windowed observation, got %d", status.ObservationCount)
	}
}

func TestSLOOperations(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(DefaultIngestTarget())
	tracker.SetTarget(&SLOTarget{SLOID: "slo-2", Operation: "dispatch", SuccessRate: 0.999, WindowHours: 24})

	ops := tracker.Operations()
	if len(ops) != 2 || ops[0] != "dispatch" || ops[1] != OpIngest {
		t.Fatalf("unexpected operations list: %v", ops)
	}
}

func TestSLONoTarget(t *testing.T) {
	tracker := NewSLOTracker()
	_, err := tracker.Status("nonexistent")
	if err == nil {
		t.Fatal("expected error for missing target")
	}
}
