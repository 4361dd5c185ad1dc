package selector

import (
	"context"
	"testing"
)

type staticConfigStore struct {
	configs map[string]*ProviderConfig
}

func (s *staticConfigStore) GetByProvider(ctx context.Context, provider string) (*ProviderConfig, error) {
	return s.configs[provider], nil
}

func TestManagerCachesStrategyPerProvider(t *testing.T) {
	factory := NewFactory(Collaborators{HealthStore: newMemHealthStore(), TokenStore: newMemTokenStore()})
	m := NewManager(factory, &staticConfigStore{configs: map[string]*ProviderConfig{}})

	ctx := context.Background()
	pool := []*Credential{{ID: 1, IsActive: true}}

	r1, err := m.Select(ctx, "kiro", pool, SelectContext{Provider: "kiro"})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Credential == nil {
		t.Fatal("expected a credential")
	}

	m.mu.RLock()
	n := len(m.strategies)
	m.mu.RUnlock()
	if n != 1 {
		t.Fatalf("strategies cached = %d, want 1", n)
	}
}

func TestManagerInvalidateForcesRebuild(t *testing.T) {
	configs := map[string]*ProviderConfig{"kiro": {Strategy: "round_robin"}}
	factory := NewFactory(Collaborators{HealthStore: newMemHealthStore(), TokenStore: newMemTokenStore()})
	m := NewManager(factory, &staticConfigStore{configs: configs})
	ctx := context.Background()

	s1, err := m.getStrategy(ctx, "kiro", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s1.Name() != "round_robin" {
		t.Fatalf("strategy = %s, want round_robin", s1.Name())
	}

	configs["kiro"].Strategy = "hybrid"
	m.Invalidate("kiro")

	s2, err := m.getStrategy(ctx, "kiro", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s2.Name() != "hybrid" {
		t.Fatalf("strategy after invalidate = %s, want hybrid", s2.Name())
	}
}

func TestManagerUnknownStrategyFallsBackToHybrid(t *testing.T) {
	configs := map[string]*ProviderConfig{"kiro": {Strategy: "nonexistent"}}
	factory := NewFactory(Collaborators{HealthStore: newMemHealthStore(), TokenStore: newMemTokenStore()})
	m := NewManager(factory, &staticConfigStore{configs: configs})

	s, err := m.getStrategy(context.Background(), "kiro", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "hybrid" {
		t.Fatalf("strategy = %s, want hybrid fallback", s.Name())
	}
}

func TestManagerCloseDestroysAllStrategies(t *testing.T) {
	factory := NewFactory(Collaborators{HealthStore: newMemHealthStore(), TokenStore: newMemTokenStore()})
	m := NewManager(factory, &staticConfigStore{configs: map[string]*ProviderConfig{
		"kiro":      {Strategy: "sticky"},
		"anthropic": {Strategy: "hybrid"},
	}})
	ctx := context.Background()

	if _, err := m.getStrategy(ctx, "kiro", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.getStrategy(ctx, "anthropic", nil); err != nil {
		t.Fatal(err)
	}

	m.Close()

	m.mu.RLock()
	n := len(m.strategies)
	m.mu.RUnlock()
	if n != 0 {
		t.Fatalf("strategies after Close = %d, want 0", n)
	}
}
