package selector

import "github.com/relaymux/gateway/internal/logging"

// Collaborators bundles the storage backends a Factory wires into every
// strategy it builds. A single set is shared across all providers; only
// the per-provider ProviderConfig changes.
type Collaborators struct {
	HealthStore HealthStore
	TokenStore  TokenStore
}

// Factory constructs a Strategy for a provider from its merged
// ProviderConfig, per spec.md §4.7. It holds no per-provider state itself —
// the Manager owns the cache of already-built strategies.
type Factory struct {
	collaborators Collaborators
}

func NewFactory(collaborators Collaborators) *Factory {
	return &Factory{collaborators: collaborators}
}

// Build constructs a fresh Strategy for provider using cfg, which must
// already be the fully merged (defaults ← dbConfig ← callerConfig) config.
// An unrecognized cfg.Strategy name is not an error: it's logged and
// treated as hybrid, per spec.md §4.7.
func (f *Factory) Build(provider string, cfg ProviderConfig) Strategy {
	health := NewHealthTracker(f.collaborators.HealthStore)
	tokens := NewTokenBucket(f.collaborators.TokenStore, cfg.TokenBucketMax, cfg.TokenRegenPerMinute)
	quota := NewQuotaTracker(cfg.QuotaLowThreshold, cfg.QuotaCriticalThreshold)

	switch cfg.Strategy {
	case "sticky":
		inner := NewHybridStrategy(provider, cfg, health, tokens, quota)
		return NewStickyStrategy(inner, cfg.SessionTTL)
	case "round_robin", "round-robin":
		return NewRoundRobinStrategy(provider, cfg, health, tokens)
	case "", "hybrid":
		return NewHybridStrategy(provider, cfg, health, tokens, quota)
	default:
		logging.Warnf("selector: unknown strategy %q for provider %q, falling back to hybrid", cfg.Strategy, provider)
		return NewHybridStrategy(provider, cfg, health, tokens, quota)
	}
}
