package selector

import (
	"context"
	"sort"
	"sync"
)

// RoundRobinStrategy rotates through usable credentials in ascending-id
// order, gated by health and tokens, per spec.md §4.6. One instance is
// built per provider, so a single cursor suffices.
type RoundRobinStrategy struct {
	provider string
	cfg      ProviderConfig
	health   *HealthTracker
	tokens   *TokenBucket

	mu     sync.Mutex
	cursor int
}

func NewRoundRobinStrategy(provider string, cfg ProviderConfig, health *HealthTracker, tokens *TokenBucket) *RoundRobinStrategy {
	return &RoundRobinStrategy{provider: provider, cfg: cfg, health: health, tokens: tokens}
}

func (s *RoundRobinStrategy) Name() string { return "round_robin" }

func (s *RoundRobinStrategy) Destroy() {}

func (s *RoundRobinStrategy) IsUsable(cred *Credential) bool { return cred.IsUsable() }

func (s *RoundRobinStrategy) Select(ctx context.Context, pool []*Credential, sc SelectContext) (SelectResult, error) {
	available := admit(pool, sc)
	if len(available) == 0 {
		return SelectResult{Credential: nil, WaitMs: 0}, nil
	}
	sort.Slice(available, func(i, j int) bool { return available[i].ID < available[j].ID })

	s.mu.Lock()
	idx := s.cursor % len(available)
	s.mu.Unlock()

	for step := 0; step < len(available); step++ {
		pos := (idx + step) % len(available)
		cand := available[pos]

		health, err := s.health.GetScore(ctx, s.provider, cand.ID)
		if err != nil {
			return SelectResult{}, err
		}
		tokens, err := s.tokens.GetTokens(ctx, s.provider, cand.ID)
		if err != nil {
			return SelectResult{}, err
		}

		if health >= s.cfg.MinHealthThreshold && tokens >= 1 {
			if _, _, err := s.tokens.Consume(ctx, s.provider, cand.ID, 1); err != nil {
				return SelectResult{}, err
			}
			s.advanceCursor(pos+1, len(available))
			index := pos
			fallback := false
			return SelectResult{Credential: cand, WaitMs: 0, Fallback: &fallback, Index: &index}, nil
		}
	}

	// Nothing passed admission: return the credential at the original
	// cursor position, still advance the cursor, but consume no token.
	cand := available[idx]
	s.advanceCursor(idx+1, len(available))
	index := idx
	fallback := true
	return SelectResult{Credential: cand, WaitMs: 0, Fallback: &fallback, Index: &index}, nil
}

func (s *RoundRobinStrategy) advanceCursor(next, mod int) {
	s.mu.Lock()
	s.cursor = next % mod
	s.mu.Unlock()
}

func (s *RoundRobinStrategy) OnSuccess(ctx context.Context, provider string, credentialID int) error {
	return s.health.RecordSuccess(ctx, provider, credentialID)
}

func (s *RoundRobinStrategy) OnFailure(ctx context.Context, provider string, credentialID int, errorKind string) error {
	if err := s.health.RecordFailure(ctx, provider, credentialID, errorKind); err != nil {
		return err
	}
	_, err := s.tokens.Refund(ctx, provider, credentialID, 1)
	return err
}

func (s *RoundRobinStrategy) OnRateLimit(ctx context.Context, provider string, credentialID int, resetMs int64) error {
	if err := s.health.RecordRateLimit(ctx, provider, credentialID); err != nil {
		return err
	}
	_, err := s.tokens.Refund(ctx, provider, credentialID, 1)
	return err
}
