package selector

import (
	"context"
	"testing"
)

func newTestHybrid(cfg ProviderConfig) (*HybridStrategy, *memHealthStore, *memTokenStore) {
	hs := newMemHealthStore()
	ts := newMemTokenStore()
	h := NewHealthTracker(hs)
	tb := NewTokenBucket(ts, cfg.TokenBucketMax, cfg.TokenRegenPerMinute)
	q := NewQuotaTracker(cfg.QuotaLowThreshold, cfg.QuotaCriticalThreshold)
	return NewHybridStrategy("kiro", cfg, h, tb, q), hs, ts
}

// S1 — healthy pool, deterministic ties break on pool order, then LRU
// recency alternates the pick.
func TestHybridS1HealthyPoolTieBreaksOnOrderThenLRU(t *testing.T) {
	cfg := DefaultProviderConfig()
	s, _, ts := newTestHybrid(cfg)
	ctx := context.Background()

	ts.setTokens("kiro", 1, 50)
	ts.setTokens("kiro", 2, 50)
	pool := []*Credential{
		{ID: 1, IsActive: true},
		{ID: 2, IsActive: true},
	}

	r1, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Credential.ID != 1 {
		t.Fatalf("first select = %d, want 1", r1.Credential.ID)
	}

	r2, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"})
	if err != nil {
		t.Fatal(err)
	}
	if r2.Credential.ID != 2 {
		t.Fatalf("second select = %d, want 2", r2.Credential.ID)
	}

	r3, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"})
	if err != nil {
		t.Fatal(err)
	}
	if r3.Credential.ID != 1 {
		t.Fatalf("third select = %d, want 1", r3.Credential.ID)
	}
}

// S2 — one credential driven unhealthy by repeated failures is excluded
// from level 0 admission.
func TestHybridS2UnhealthyCredentialExcluded(t *testing.T) {
	cfg := DefaultProviderConfig()
	s, hs, ts := newTestHybrid(cfg)
	ctx := context.Background()

	ts.setTokens("kiro", 1, 50)
	ts.setTokens("kiro", 2, 50)
	for i := 0; i < 5; i++ {
		if err := hs.RecordFailure(ctx, "kiro", 1, "boom", failurePenalty); err != nil {
			t.Fatal(err)
		}
	}

	pool := []*Credential{
		{ID: 1, IsActive: true},
		{ID: 2, IsActive: true},
	}
	r, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Credential.ID != 2 {
		t.Fatalf("select = %d, want 2 (id 1 unhealthy)", r.Credential.ID)
	}
	if r.FallbackLevel == nil || *r.FallbackLevel != 0 {
		t.Fatalf("FallbackLevel = %v, want 0", r.FallbackLevel)
	}
}

// S3 — a single credential with one token is selected at level 0, which
// consumes its token; OnRateLimit then refunds that token.
func TestHybridS3RateLimitRefundsConsumedToken(t *testing.T) {
	cfg := DefaultProviderConfig()
	s, _, ts := newTestHybrid(cfg)
	ctx := context.Background()

	ts.setTokens("kiro", 1, 1)
	pool := []*Credential{{ID: 1, IsActive: true}}

	r1, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Credential == nil || r1.Credential.ID != 1 {
		t.Fatalf("first select = %+v, want id 1", r1)
	}
	if *r1.FallbackLevel != 0 {
		t.Fatalf("first select level = %d, want 0", *r1.FallbackLevel)
	}

	if err := s.OnRateLimit(ctx, "kiro", 1, 1000); err != nil {
		t.Fatal(err)
	}

	tokensAfter, err := s.tokens.GetTokens(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	if tokensAfter < 1 {
		// Token was refunded per spec.md §4.4's explicit onRateLimit
		// contract (DESIGN.md documents this choice over the narrower S3
		// prose, which reads as if the bucket stayed empty).
		t.Fatalf("tokens after refund = %v, want >= 1 per the refund contract", tokensAfter)
	}
}

// S6 — quota at a critical fraction is rejected by levels 0 and 1 and
// only admitted at level 2.
func TestHybridS6QuotaCriticalOnlyAdmitsAtLevel2(t *testing.T) {
	cfg := DefaultProviderConfig()
	s, _, ts := newTestHybrid(cfg)
	ctx := context.Background()

	ts.setTokens("kiro", 1, 50)
	pool := []*Credential{
		{ID: 1, IsActive: true, QuotaLimit: 1, QuotaUsed: 0.97},
	}

	r, err := s.Select(ctx, pool, SelectContext{Provider: "kiro", Model: "any"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Credential == nil || r.Credential.ID != 1 {
		t.Fatalf("select = %+v, want id 1", r)
	}
	if r.FallbackLevel == nil || *r.FallbackLevel != 2 {
		t.Fatalf("FallbackLevel = %v, want 2", r.FallbackLevel)
	}
}

func TestHybridEmptyPoolReturnsNilCredentialNotError(t *testing.T) {
	cfg := DefaultProviderConfig()
	s, _, _ := newTestHybrid(cfg)
	r, err := s.Select(context.Background(), nil, SelectContext{Provider: "kiro"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Credential != nil {
		t.Fatalf("Credential = %+v, want nil", r.Credential)
	}
}

func TestHybridExcludeIdsAreHonoredUnlessPoolWouldEmpty(t *testing.T) {
	cfg := DefaultProviderConfig()
	s, _, ts := newTestHybrid(cfg)
	ctx := context.Background()
	ts.setTokens("kiro", 1, 50)

	pool := []*Credential{{ID: 1, IsActive: true}}
	r, err := s.Select(ctx, pool, SelectContext{Provider: "kiro", ExcludeIDs: []int{1}})
	if err != nil {
		t.Fatal(err)
	}
	// Excluding the only candidate empties the pool, so the exclusion is
	// relaxed and id 1 is returned anyway.
	if r.Credential == nil || r.Credential.ID != 1 {
		t.Fatalf("select = %+v, want id 1 after relaxing excludeIds", r)
	}
}

func TestHybridOnFailureRefundsToken(t *testing.T) {
	cfg := DefaultProviderConfig()
	s, _, ts := newTestHybrid(cfg)
	ctx := context.Background()
	ts.setTokens("kiro", 1, 1)

	pool := []*Credential{{ID: 1, IsActive: true}}
	if _, err := s.Select(ctx, pool, SelectContext{Provider: "kiro"}); err != nil {
		t.Fatal(err)
	}
	consumed, err := s.tokens.GetTokens(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	if consumed >= 1 {
		t.Fatalf("tokens after consume = %v, want < 1", consumed)
	}

	if err := s.OnFailure(ctx, "kiro", 1, "api_error"); err != nil {
		t.Fatal(err)
	}
	refunded, err := s.tokens.GetTokens(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	if refunded < 1 {
		t.Fatalf("tokens after refund = %v, want >= 1", refunded)
	}
}
