package fulfillment

import (
	"testing"
	"time"
)

func TestRetryTiers(t *testing.T) {
	tests := []struct {
		count       int
		wantRetries int
		wantWait    time.Duration
	}{
		{0, 10, 5 * time.Second},
		{9, 10, 5 * time.Second},
		{10, 25, 30 * time.Second},
		{24, 25, 30 * time.Second},
		{25, 50, time.Minute},
		{49, 50, time.Minute},
		{50, 100, 5 * time.Minute},
		{200, 100, 5 * time.Minute},
	}
	for _, tt := range tests {
		maxRetries, minWait := retryTier(tt.count)
		if maxRetries != tt.wantRetries || minWait != tt.wantWait {
			t.Errorf("retryTier(%d) = (%d, %v), want (%d, %v)",
				tt.count, maxRetries, minWait, tt.wantRetries, tt.wantWait)
		}
	}
}

func TestTrackerBackoffWindow(t *testing.T) {
	rt := newRetryTracker()
	now := time.Now()

	if !rt.shouldAttempt("h", now) {
		t.Fatal("unknown order must be attemptable")
	}

	rt.recordFailure("h", StageCompose, "boom", now)
	if rt.shouldAttempt("h", now.Add(2*time.Second)) {
		t.Error("attempt inside the 5s quick-tier window must be gated")
	}
	if !rt.shouldAttempt("h", now.Add(6*time.Second)) {
		t.Error("attempt after the quick-tier wait must pass")
	}
}

func TestTrackerTierEscalation(t *testing.T) {
	rt := newRetryTracker()
	now := time.Now()

	for i := 0; i < 10; i++ {
		rt.recordFailure("h", StageCompose, "boom", now)
	}
	// Count 10 → moderate tier, 30 s backoff.
	if rt.shouldAttempt("h", now.Add(10*time.Second)) {
		t.Error("10 s wait must not satisfy the 30 s moderate tier")
	}
	if !rt.shouldAttempt("h", now.Add(31*time.Second)) {
		t.Error("31 s wait must satisfy the moderate tier")
	}
}

func TestTrackerAlertThresholds(t *testing.T) {
	rt := newRetryTracker()
	now := time.Now()

	alerted := []int{}
	for i := 1; i <= 60; i++ {
		if _, alert := rt.recordFailure("h", StageSign, "boom", now); alert {
			alerted = append(alerted, i)
		}
	}
	want := []int{10, 25, 50}
	if len(alerted) != len(want) {
		t.Fatalf("alerts at %v, want %v", alerted, want)
	}
	for i := range want {
		if alerted[i] != want[i] {
			t.Fatalf("alerts at %v, want %v", alerted, want)
		}
	}
}

func TestTrackerResetAfterAnHour(t *testing.T) {
	rt := newRetryTracker()
	start := time.Now()

	for i := 0; i < 55; i++ {
		rt.recordFailure("h", StageCompose, "boom", start)
	}
	// Deep in the slow tier, but the failure window has aged out.
	if !rt.shouldAttempt("h", start.Add(61*time.Minute)) {
		t.Fatal("record older than an hour must reset")
	}
	// The reset discarded the record entirely.
	if count, _ := rt.recordFailure("h", StageCompose, "boom", start.Add(61*time.Minute)); count != 1 {
		t.Errorf("count after reset = %d, want 1", count)
	}
}

func TestTrackerClear(t *testing.T) {
	rt := newRetryTracker()
	now := time.Now()
	rt.recordFailure("h", StageCompose, "boom", now)
	rt.clear("h")
	if !rt.shouldAttempt("h", now) {
		t.Error("cleared order must be attemptable immediately")
	}
	if len(rt.snapshot()) != 0 {
		t.Error("snapshot must be empty after clear")
	}
}
