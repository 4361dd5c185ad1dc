package selector

import (
	"context"
	"sync"
)

// Manager caches one Strategy instance per provider, built lazily on first
// use and torn down on invalidation — so a config reload or admin action
// can force a provider to pick up new weights/thresholds without
// restarting the process, per spec.md §4.7.
type Manager struct {
	factory     *Factory
	configStore ConfigStore

	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewManager(factory *Factory, configStore ConfigStore) *Manager {
	return &Manager{
		factory:     factory,
		configStore: configStore,
		strategies:  make(map[string]Strategy),
	}
}

// Select resolves the strategy for provider (building it on first use) and
// delegates selection to it.
func (m *Manager) Select(ctx context.Context, provider string, candidates []*Credential, sc SelectContext) (SelectResult, error) {
	strategy, err := m.getStrategy(ctx, provider, nil)
	if err != nil {
		return SelectResult{}, err
	}
	return strategy.Select(ctx, candidates, sc)
}

// SelectWithOverride is the caller-config variant, used when a request
// carries its own override on top of the stored provider config.
func (m *Manager) SelectWithOverride(ctx context.Context, provider string, candidates []*Credential, sc SelectContext, override *ProviderConfig) (SelectResult, error) {
	strategy, err := m.getStrategy(ctx, provider, override)
	if err != nil {
		return SelectResult{}, err
	}
	return strategy.Select(ctx, candidates, sc)
}

func (m *Manager) getStrategy(ctx context.Context, provider string, override *ProviderConfig) (Strategy, error) {
	if override == nil {
		m.mu.RLock()
		s, ok := m.strategies[provider]
		m.mu.RUnlock()
		if ok {
			return s, nil
		}
	}

	var dbConfig *ProviderConfig
	if m.configStore != nil {
		cfg, err := m.configStore.GetByProvider(ctx, provider)
		if err != nil {
			return nil, err
		}
		dbConfig = cfg
	}

	merged := mergeProviderConfig(DefaultProviderConfig(), dbConfig, override)

	strategy := m.factory.Build(provider, merged)

	if override == nil {
		m.mu.Lock()
		if existing, ok := m.strategies[provider]; ok {
			m.mu.Unlock()
			strategy.Destroy()
			return existing, nil
		}
		m.strategies[provider] = strategy
		m.mu.Unlock()
	}

	return strategy, nil
}

// OnSuccess resolves provider's cached strategy and forwards the outcome.
func (m *Manager) OnSuccess(ctx context.Context, provider string, credentialID int) error {
	strategy, err := m.getStrategy(ctx, provider, nil)
	if err != nil {
		return err
	}
	return strategy.OnSuccess(ctx, provider, credentialID)
}

// OnFailure resolves provider's cached strategy and forwards the outcome.
func (m *Manager) OnFailure(ctx context.Context, provider string, credentialID int, errorKind string) error {
	strategy, err := m.getStrategy(ctx, provider, nil)
	if err != nil {
		return err
	}
	return strategy.OnFailure(ctx, provider, credentialID, errorKind)
}

// OnRateLimit resolves provider's cached strategy and forwards the outcome.
func (m *Manager) OnRateLimit(ctx context.Context, provider string, credentialID int, resetMs int64) error {
	strategy, err := m.getStrategy(ctx, provider, nil)
	if err != nil {
		return err
	}
	return strategy.OnRateLimit(ctx, provider, credentialID, resetMs)
}

// Invalidate evicts and destroys the cached strategy for one provider, so
// the next Select rebuilds it from current config.
func (m *Manager) Invalidate(provider string) {
	m.mu.Lock()
	s, ok := m.strategies[provider]
	if ok {
		delete(m.strategies, provider)
	}
	m.mu.Unlock()
	if ok {
		s.Destroy()
	}
}

// InvalidateAll evicts and destroys every cached strategy, used after a
// bulk config reload (fsnotify hot-reload) touches more than one provider.
func (m *Manager) InvalidateAll() {
	m.mu.Lock()
	old := m.strategies
	m.strategies = make(map[string]Strategy)
	m.mu.Unlock()
	for _, s := range old {
		s.Destroy()
	}
}

// Close destroys every cached strategy, used at process shutdown.
func (m *Manager) Close() {
	m.InvalidateAll()
}
