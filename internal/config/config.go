// Package config loads and hot-reloads the gateway's YAML configuration:
// listen address, per-provider selection strategy weights, and the
// credential pools each provider draws from.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/relaymux/gateway/internal/selector"
)

// CredentialSpec is one entry in a provider's credential pool as declared
// in config. SecretRef points at wherever the OAuth/API-key collaborator
// keeps the actual secret (env var name, file path, or store key) — the
// core selection types never see the secret itself.
type CredentialSpec struct {
	ID        int                `yaml:"id" json:"id"`
	SecretRef string             `yaml:"secret-ref" json:"secret-ref"`
	Active    bool               `yaml:"active" json:"active"`
	Quota     map[string]float64 `yaml:"quota,omitempty" json:"quota,omitempty"`
}

// ProviderSpec is the per-provider section of the config file: its
// selection strategy config plus its credential pool.
type ProviderSpec struct {
	selector.ProviderConfig `yaml:",inline"`
	Credentials             []CredentialSpec `yaml:"credentials" json:"credentials"`
}

// Config is the root of the gateway's configuration file.
type Config struct {
	Listen     string                  `yaml:"listen"`
	AdminToken string                  `yaml:"admin-token"`
	LogLevel   string                  `yaml:"log-level"`
	LogFile    string                  `yaml:"log-file"`
	Providers  map[string]ProviderSpec `yaml:"providers"`
}

// LoadEnv loads a .env file from dir if present; a missing file is not an
// error.
func LoadEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

// Load reads and parses the config file at path. A ".jsonc" extension is
// parsed as JSON-with-comments via hujson before unmarshaling; anything
// else is parsed as YAML, which handles plain JSON too since JSON is a
// YAML subset.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	body := raw
	if filepath.Ext(path) == ".jsonc" {
		standardized, err := hujson.Standardize(raw)
		if err != nil {
			return nil, fmt.Errorf("config: standardize jsonc %s: %w", path, err)
		}
		body = standardized
	}

	var cfg Config
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderSpec{}
	}
	return &cfg, nil
}

// LoadOptional is Load, except a missing file returns an empty Config
// instead of an error — used at first-run when no config has been written
// yet.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{Providers: map[string]ProviderSpec{}}, nil
	}
	return Load(path)
}

// ProviderConfig extracts the selector.ProviderConfig for one provider,
// falling back to selector.DefaultProviderConfig() if it isn't declared.
func (c *Config) ProviderConfig(provider string) selector.ProviderConfig {
	spec, ok := c.Providers[provider]
	if !ok {
		return selector.DefaultProviderConfig()
	}
	return spec.ProviderConfig
}

// Credentials returns the declared credential pool for a provider, or nil
// if the provider isn't configured.
func (c *Config) Credentials(provider string) []CredentialSpec {
	return c.Providers[provider].Credentials
}

// configStoreAdapter makes a live Config snapshot satisfy
// selector.ConfigStore, so the Manager always merges against whatever the
// Watcher most recently loaded.
type configStoreAdapter struct {
	current func() *Config
}

// NewConfigStore adapts current (typically Watcher.Current) into a
// selector.ConfigStore.
func NewConfigStore(current func() *Config) selector.ConfigStore {
	return &configStoreAdapter{current: current}
}

func (a *configStoreAdapter) GetByProvider(_ context.Context, provider string) (*selector.ProviderConfig, error) {
	cfg := a.current()
	if cfg == nil {
		return nil, nil
	}
	pc := cfg.ProviderConfig(provider)
	return &pc, nil
}
