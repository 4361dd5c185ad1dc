package selector

import (
	"context"
	"testing"
)

// S5 — round-robin rotation over a stable healthy pool of three visits
// each credential in ascending-id order and wraps around.
func TestRoundRobinS5Rotation(t *testing.T) {
	cfg := DefaultProviderConfig()
	hs := newMemHealthStore()
	ts := newMemTokenStore()
	h := NewHealthTracker(hs)
	tb := NewTokenBucket(ts, cfg.TokenBucketMax, cfg.TokenRegenPerMinute)
	s := NewRoundRobinStrategy("kiro", cfg, h, tb)
	ctx := context.Background()

	ts.setTokens("kiro", 1, 50)
	ts.setTokens("kiro", 2, 50)
	ts.setTokens("kiro", 3, 50)
	pool := []*Credential{
		{ID: 1, IsActive: true},
		{ID: 2, IsActive: true},
		{ID: 3, IsActive: true},
	}

	want := []int{1, 2, 3, 1}
	for i, w := range want {
		r, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"})
		if err != nil {
			t.Fatal(err)
		}
		if r.Credential.ID != w {
			t.Fatalf("select[%d] = %d, want %d", i, r.Credential.ID, w)
		}
	}
}

func TestRoundRobinFallsBackWhenNonePassAdmission(t *testing.T) {
	cfg := DefaultProviderConfig()
	hs := newMemHealthStore()
	ts := newMemTokenStore()
	h := NewHealthTracker(hs)
	tb := NewTokenBucket(ts, cfg.TokenBucketMax, cfg.TokenRegenPerMinute)
	s := NewRoundRobinStrategy("kiro", cfg, h, tb)
	ctx := context.Background()

	ts.setTokens("kiro", 1, 0)
	pool := []*Credential{{ID: 1, IsActive: true}}

	r, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Credential == nil || r.Credential.ID != 1 {
		t.Fatalf("select = %+v, want id 1 as fallback", r)
	}
	if r.Fallback == nil || !*r.Fallback {
		t.Fatalf("Fallback = %v, want true", r.Fallback)
	}

	tokens, err := tb.GetTokens(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	if tokens >= 1 {
		t.Fatalf("tokens = %v, fallback selection must not consume", tokens)
	}
}

func TestRoundRobinDistributesEvenlyOverManySelections(t *testing.T) {
	cfg := DefaultProviderConfig()
	hs := newMemHealthStore()
	ts := newMemTokenStore()
	h := NewHealthTracker(hs)
	tb := NewTokenBucket(ts, 1_000_000, cfg.TokenRegenPerMinute)
	s := NewRoundRobinStrategy("kiro", cfg, h, tb)
	ctx := context.Background()

	ts.setTokens("kiro", 1, 1_000_000)
	ts.setTokens("kiro", 2, 1_000_000)
	ts.setTokens("kiro", 3, 1_000_000)
	pool := []*Credential{
		{ID: 1, IsActive: true},
		{ID: 2, IsActive: true},
		{ID: 3, IsActive: true},
	}

	counts := map[int]int{}
	const n = 30
	for i := 0; i < n; i++ {
		r, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"})
		if err != nil {
			t.Fatal(err)
		}
		counts[r.Credential.ID]++
	}
	for id, c := range counts {
		if c < n/3 || c > n/3+1 {
			t.Fatalf("credential %d selected %d times, want ~%d", id, c, n/3)
		}
	}
}
