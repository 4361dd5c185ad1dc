package main

import (
	"context"
	"fmt"
	"os"

	"github.com/relaymux/gateway/internal/config"
	"github.com/relaymux/gateway/internal/selector"
)

// configCredentialSource adapts a live *config.Watcher's Config snapshot
// into a transport.CredentialSource: it turns the declared CredentialSpecs
// for a provider into selector.Credential values, resolving each entry's
// static Quota map into QuotaEntry pairs. Active quota refreshed from a
// provider's own API (rather than the config file) would plug in here as a
// decorator over this source.
type configCredentialSource struct {
	watcher *config.Watcher
}

func newCredentialSource(w *config.Watcher) *configCredentialSource {
	return &configCredentialSource{watcher: w}
}

func (s *configCredentialSource) Pool(_ context.Context, provider string) ([]*selector.Credential, error) {
	cfg := s.watcher.Current()
	if cfg == nil {
		return nil, fmt.Errorf("gatewayd: no configuration loaded")
	}

	specs := cfg.Credentials(provider)
	pool := make([]*selector.Credential, 0, len(specs))
	for _, spec := range specs {
		cred := &selector.Credential{
			ID:       spec.ID,
			IsActive: spec.Active,
		}
		for key, fraction := range spec.Quota {
			cred.Quota = append(cred.Quota, selector.QuotaEntry{Key: key, RemainingFraction: fraction})
		}
		pool = append(pool, cred)
	}
	return pool, nil
}

// envSecretResolver resolves a CredentialSpec.SecretRef naming an
// environment variable into its value — the simplest SecretResolver, for
// API-key credentials loaded via internal/config.LoadEnv. OAuth-backed
// credentials use internal/oauth.Resolver instead.
type envSecretResolver struct{}

func (envSecretResolver) Resolve(_ context.Context, secretRef string) (string, error) {
	val, ok := os.LookupEnv(secretRef)
	if !ok {
		return "", fmt.Errorf("gatewayd: secret reference %q not set in environment", secretRef)
	}
	return val, nil
}
