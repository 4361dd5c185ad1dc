package selector

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestHealthTrackerDefaultsToInitialScore(t *testing.T) {
	h := NewHealthTracker(newMemHealthStore())
	score, err := h.GetScore(context.Background(), "kiro", 1)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score != initialHealthScore {
		t.Fatalf("score = %d, want %d", score, initialHealthScore)
	}
}

func TestHealthTrackerRecordSuccessClampsAtMax(t *testing.T) {
	store := newMemHealthStore()
	h := NewHealthTracker(store)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := h.RecordSuccess(ctx, "kiro", 1); err != nil {
			t.Fatalf("RecordSuccess: %v", err)
		}
	}
	score, err := h.GetScore(ctx, "kiro", 1)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score != maxHealthScore {
		t.Fatalf("score = %d, want %d", score, maxHealthScore)
	}
}

func TestHealthTrackerRecordFailureClampsAtZero(t *testing.T) {
	store := newMemHealthStore()
	h := NewHealthTracker(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := h.RecordFailure(ctx, "kiro", 1, "boom"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	score, err := h.GetScore(ctx, "kiro", 1)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score != 0 {
		t.Fatalf("score = %d, want 0 (S2 scenario: initial 70 - 5*20 clamped)", score)
	}
	if IsUsableHealth(score) {
		t.Fatalf("score %d should not be usable", score)
	}
}

func TestApplyRecoveryIsMonotonicNonDecreasing(t *testing.T) {
	base := time.Now().Add(-3 * time.Hour)
	prev := applyRecovery(0, base, base)
	for _, elapsed := range []time.Duration{time.Minute, time.Hour, 2 * time.Hour, 5 * time.Hour} {
		cur := applyRecovery(0, base, base.Add(elapsed))
		if cur < prev {
			t.Fatalf("recovery decreased: %d -> %d after %v", prev, cur, elapsed)
		}
		prev = cur
	}
}

func TestApplyRecoveryNeverExceedsMax(t *testing.T) {
	base := time.Now().Add(-1000 * time.Hour)
	score := applyRecovery(90, base, time.Now())
	if score > maxHealthScore {
		t.Fatalf("score = %d, want <= %d", score, maxHealthScore)
	}
}

func TestApplyRecoveryIsReadOnly(t *testing.T) {
	store := newMemHealthStore()
	h := NewHealthTracker(store)
	ctx := context.Background()

	if err := h.RecordFailure(ctx, "kiro", 1, "x"); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Get(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	stored := rec.HealthScore

	for i := 0; i < 3; i++ {
		if _, err := h.GetScore(ctx, "kiro", 1); err != nil {
			t.Fatal(err)
		}
	}

	rec2, err := store.Get(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec2.HealthScore != stored {
		t.Fatalf("stored score changed from %d to %d after reads", stored, rec2.HealthScore)
	}
}

func TestHealthTrackerCacheInvalidatesOnWrite(t *testing.T) {
	store := newMemHealthStore()
	h := NewHealthTracker(store)
	ctx := context.Background()

	if _, err := h.GetScore(ctx, "kiro", 1); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordFailure(ctx, "kiro", 1, "x"); err != nil {
		t.Fatal(err)
	}
	score, err := h.GetScore(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	if score != clampHealth(initialHealthScore - failurePenalty) {
		t.Fatalf("score = %d, want %d", score, clampHealth(initialHealthScore-failurePenalty))
	}
}

func TestHealthTrackerConcurrentAccess(t *testing.T) {
	store := newMemHealthStore()
	h := NewHealthTracker(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				_ = h.RecordSuccess(ctx, "kiro", 1)
			} else {
				_, _ = h.GetScore(ctx, "kiro", 1)
			}
		}(i)
	}
	wg.Wait()

	score, err := h.GetScore(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	if score < 0 || score > maxHealthScore {
		t.Fatalf("score out of bounds: %d", score)
	}
}
