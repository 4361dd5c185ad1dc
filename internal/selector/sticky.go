package selector

import (
	"context"
	"sync"
	"time"
)

// stickyBinding remembers which credential a session was last routed to.
type stickyBinding struct {
	provider     string
	credentialID int
	boundAt      time.Time
}

// StickyStrategy wraps a HybridStrategy with session affinity: repeat
// requests carrying the same session identifier are routed to the same
// credential as long as it's still usable, healthy, and has tokens, per
// spec.md §4.5. A background sweeper evicts bindings older than the
// configured TTL so the binding map doesn't grow unbounded under session
// churn.
type StickyStrategy struct {
	inner *HybridStrategy
	ttl   time.Duration

	mu       sync.Mutex
	bindings map[string]stickyBinding

	stop chan struct{}
	done chan struct{}
}

func NewStickyStrategy(inner *HybridStrategy, ttl time.Duration) *StickyStrategy {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &StickyStrategy{
		inner:    inner,
		ttl:      ttl,
		bindings: make(map[string]stickyBinding),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *StickyStrategy) Name() string { return "sticky" }

func (s *StickyStrategy) IsUsable(cred *Credential) bool { return s.inner.IsUsable(cred) }

// Destroy stops the background sweeper and clears the bindings.
func (s *StickyStrategy) Destroy() {
	close(s.stop)
	<-s.done
	s.mu.Lock()
	s.bindings = make(map[string]stickyBinding)
	s.mu.Unlock()
}

func (s *StickyStrategy) Select(ctx context.Context, pool []*Credential, sc SelectContext) (SelectResult, error) {
	sessionID := sc.sessionKey()
	if sessionID == "" {
		return s.inner.Select(ctx, pool, sc)
	}

	if bound, ok := s.lookup(sc.Provider, sessionID); ok {
		if cred := findCredential(pool, bound); cred != nil && isUsable(cred, sc) {
			health, err := s.inner.health.GetScore(ctx, sc.Provider, cred.ID)
			if err != nil {
				return SelectResult{}, err
			}
			tokens, err := s.inner.tokens.GetTokens(ctx, sc.Provider, cred.ID)
			if err != nil {
				return SelectResult{}, err
			}
			if health >= s.inner.cfg.MinHealthThreshold && tokens >= 1 {
				s.bind(sc.Provider, sessionID, cred.ID)
				if _, _, err := s.inner.tokens.Consume(ctx, sc.Provider, cred.ID, 1); err != nil {
					return SelectResult{}, err
				}
				sticky := true
				return SelectResult{Credential: cred, WaitMs: 0, Sticky: &sticky}, nil
			}
		}
		s.evict(sc.Provider, sessionID)
	}

	result, err := s.inner.Select(ctx, pool, sc)
	if err != nil {
		return SelectResult{}, err
	}
	sticky := false
	result.Sticky = &sticky
	if result.Credential != nil {
		s.bind(sc.Provider, sessionID, result.Credential.ID)
	}
	return result, nil
}

func findCredential(pool []*Credential, id int) *Credential {
	for _, c := range pool {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *StickyStrategy) lookup(provider, sessionID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingKey(provider, sessionID)]
	if !ok || time.Since(b.boundAt) >= s.ttl {
		return 0, false
	}
	return b.credentialID, true
}

func (s *StickyStrategy) bind(provider, sessionID string, credentialID int) {
	s.mu.Lock()
	s.bindings[bindingKey(provider, sessionID)] = stickyBinding{
		provider:     provider,
		credentialID: credentialID,
		boundAt:      time.Now(),
	}
	s.mu.Unlock()
}

func (s *StickyStrategy) evict(provider, sessionID string) {
	s.mu.Lock()
	delete(s.bindings, bindingKey(provider, sessionID))
	s.mu.Unlock()
}

// evictByCredential drops every binding for (provider, credentialID), so
// the next select for any affected session reselects from scratch.
func (s *StickyStrategy) evictByCredential(provider string, credentialID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.bindings {
		if b.provider == provider && b.credentialID == credentialID {
			delete(s.bindings, key)
		}
	}
}

func bindingKey(provider, sessionID string) string {
	return provider + "\x00" + sessionID
}

func (s *StickyStrategy) sweep() {
	defer close(s.done)
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *StickyStrategy) evictExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.bindings {
		if now.Sub(b.boundAt) >= s.ttl {
			delete(s.bindings, key)
		}
	}
}

func (s *StickyStrategy) OnSuccess(ctx context.Context, provider string, credentialID int) error {
	return s.inner.OnSuccess(ctx, provider, credentialID)
}

// OnFailure delegates to the wrapped Hybrid, then evicts every session
// binding pointing at this credential so the next turn reselects, per
// spec.md §4.5.
func (s *StickyStrategy) OnFailure(ctx context.Context, provider string, credentialID int, errorKind string) error {
	if err := s.inner.OnFailure(ctx, provider, credentialID, errorKind); err != nil {
		return err
	}
	s.evictByCredential(provider, credentialID)
	return nil
}

func (s *StickyStrategy) OnRateLimit(ctx context.Context, provider string, credentialID int, resetMs int64) error {
	return s.inner.OnRateLimit(ctx, provider, credentialID, resetMs)
}
