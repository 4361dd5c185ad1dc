package selector

import (
	"context"
	"sync"
	"time"
)

// candidateStat is the per-credential snapshot Hybrid gathers once per
// Select call before cascading and ranking.
type candidateStat struct {
	cred    *Credential
	health  int
	tokens  float64
	quota   QuotaResult
	lastUse time.Time
	fresh   bool // true if never selected in this process
}

// HybridStrategy implements spec.md §4.4: a five-level fallback cascade
// that progressively relaxes health/token/quota constraints until a
// non-empty admitted pool is found, then ranks that pool with a weighted
// score combining health, tokens, quota, and least-recently-used recency.
type HybridStrategy struct {
	provider string
	cfg      ProviderConfig
	health   *HealthTracker
	tokens   *TokenBucket
	quota    *QuotaTracker

	mu  sync.Mutex
	lru map[int]time.Time
}

func NewHybridStrategy(provider string, cfg ProviderConfig, health *HealthTracker, tokens *TokenBucket, quota *QuotaTracker) *HybridStrategy {
	return &HybridStrategy{
		provider: provider,
		cfg:      cfg,
		health:   health,
		tokens:   tokens,
		quota:    quota,
		lru:      make(map[int]time.Time),
	}
}

func (s *HybridStrategy) Name() string { return "hybrid" }

func (s *HybridStrategy) Destroy() {}

func (s *HybridStrategy) IsUsable(cred *Credential) bool { return cred.IsUsable() }

func (s *HybridStrategy) Select(ctx context.Context, pool []*Credential, sc SelectContext) (SelectResult, error) {
	admitted := admit(pool, sc)
	if len(admitted) == 0 {
		return SelectResult{Credential: nil, WaitMs: 0}, nil
	}

	stats, err := s.gather(ctx, admitted, sc.Model)
	if err != nil {
		return SelectResult{}, err
	}

	for level, predicate := range s.cascade() {
		admittedStats := filterStats(stats, predicate)
		if len(admittedStats) == 0 {
			continue
		}

		best := s.rank(admittedStats)
		s.touch(best.cred.ID)

		if level < 4 {
			if _, _, err := s.tokens.Consume(ctx, s.provider, best.cred.ID, 1); err != nil {
				return SelectResult{}, err
			}
		}

		lvl := level
		return SelectResult{Credential: best.cred, WaitMs: 0, FallbackLevel: &lvl}, nil
	}

	// cascade()'s last level has no gating, so this is unreachable given a
	// non-empty admitted pool; kept as a defensive fallback.
	best := s.rank(stats)
	s.touch(best.cred.ID)
	lvl := 4
	return SelectResult{Credential: best.cred, WaitMs: 0, FallbackLevel: &lvl}, nil
}

// cascade returns the five admission predicates from spec.md §4.4's
// fallback table (normal, lowQuota, critical, emergency, lastResort),
// strict to permissive. Level 0 requires a fully healthy quota status;
// level 1 relaxes that to tolerate low (but not critical) quota; level 2
// drops the quota constraint entirely; level 3 drops the health
// requirement but still needs tokens; level 4 gates on nothing.
func (s *HybridStrategy) cascade() []func(candidateStat) bool {
	minHealth := s.cfg.MinHealthThreshold
	healthy := func(st candidateStat) bool { return st.health >= minHealth }
	hasTokens := func(st candidateStat) bool { return st.tokens >= 1 }
	quotaHealthy := func(st candidateStat) bool { return st.quota.Status == QuotaHealthy || st.quota.Status == QuotaUnknown }
	quotaNotCritical := func(st candidateStat) bool { return st.quota.Status != QuotaCritical }

	return []func(candidateStat) bool{
		func(st candidateStat) bool { return healthy(st) && hasTokens(st) && quotaHealthy(st) },
		func(st candidateStat) bool { return healthy(st) && hasTokens(st) && quotaNotCritical(st) },
		func(st candidateStat) bool { return healthy(st) && hasTokens(st) },
		func(st candidateStat) bool { return hasTokens(st) },
		func(candidateStat) bool { return true },
	}
}

func filterStats(stats []candidateStat, pred func(candidateStat) bool) []candidateStat {
	out := make([]candidateStat, 0, len(stats))
	for _, st := range stats {
		if pred(st) {
			out = append(out, st)
		}
	}
	return out
}

func (s *HybridStrategy) gather(ctx context.Context, creds []*Credential, modelKey string) ([]candidateStat, error) {
	stats := make([]candidateStat, 0, len(creds))
	for _, c := range creds {
		health, err := s.health.GetScore(ctx, s.provider, c.ID)
		if err != nil {
			return nil, err
		}
		tokens, err := s.tokens.GetTokens(ctx, s.provider, c.ID)
		if err != nil {
			return nil, err
		}
		quota := s.quota.Resolve(c, modelKey)

		s.mu.Lock()
		last, ok := s.lru[c.ID]
		s.mu.Unlock()

		stats = append(stats, candidateStat{
			cred:    c,
			health:  health,
			tokens:  tokens,
			quota:   quota,
			lastUse: last,
			fresh:   !ok,
		})
	}
	return stats, nil
}

// rank picks the highest-scoring candidate. Ties break on insertion order
// — the admitted list preserves pool order, per spec.md §4.4 — so the
// first-seen maximum wins rather than comparing by ID.
func (s *HybridStrategy) rank(pool []candidateStat) candidateStat {
	best := pool[0]
	bestScore := s.score(best)
	for _, st := range pool[1:] {
		sc := s.score(st)
		if sc > bestScore {
			best = st
			bestScore = sc
		}
	}
	return best
}

func (s *HybridStrategy) score(st candidateStat) float64 {
	health := float64(st.health)

	maxTokens := s.tokens.MaxTokens()
	tokensPct := 0.0
	if maxTokens > 0 {
		tokensPct = st.tokens / maxTokens * 100
		if tokensPct > 100 {
			tokensPct = 100
		}
	}

	quotaScore := st.quota.Score()
	lruScore := s.lruScore(st)

	return health*s.cfg.HealthWeight +
		tokensPct*s.cfg.TokenWeight +
		quotaScore*s.cfg.QuotaWeight +
		lruScore*s.cfg.LRUWeight
}

// lruScore is minutes since last use, saturating at 100 (100 minutes); a
// credential never selected in this process counts as maximally idle.
func (s *HybridStrategy) lruScore(st candidateStat) float64 {
	if st.fresh {
		return 100
	}
	ms := float64(time.Since(st.lastUse).Milliseconds())
	score := ms / 60_000
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

func (s *HybridStrategy) touch(id int) {
	s.mu.Lock()
	s.lru[id] = time.Now()
	s.mu.Unlock()
}

func (s *HybridStrategy) OnSuccess(ctx context.Context, provider string, credentialID int) error {
	return s.health.RecordSuccess(ctx, provider, credentialID)
}

// OnFailure records the failure, then refunds the token the request never
// spent upstream capacity for, per spec.md §4.4.
func (s *HybridStrategy) OnFailure(ctx context.Context, provider string, credentialID int, errorKind string) error {
	if err := s.health.RecordFailure(ctx, provider, credentialID, errorKind); err != nil {
		return err
	}
	_, err := s.tokens.Refund(ctx, provider, credentialID, 1)
	return err
}

func (s *HybridStrategy) OnRateLimit(ctx context.Context, provider string, credentialID int, resetMs int64) error {
	if err := s.health.RecordRateLimit(ctx, provider, credentialID); err != nil {
		return err
	}
	_, err := s.tokens.Refund(ctx, provider, credentialID, 1)
	return err
}
