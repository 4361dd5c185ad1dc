package selector

import (
	"context"
	"time"
)

// HealthRecord is the persisted state the Health Store keeps per
// (provider, credentialId). Passive recovery (spec.md §4.1) is never
// written back — only HealthScore/LastFailureAt/ErrorCount/LastError are
// stored.
type HealthRecord struct {
	HealthScore   int
	LastFailureAt time.Time
	ErrorCount    int
	LastError     string
}

// HealthStore is the persistence contract consumed by HealthTracker. It may
// be backed by local memory, SQL, or anything else — HealthTracker only
// requires that writes are visible to subsequent reads of the same key and
// that the clamp-and-update in recordX happens atomically per key.
type HealthStore interface {
	Get(ctx context.Context, provider string, id int) (*HealthRecord, error)
	GetByProvider(ctx context.Context, provider string) ([]HealthRecordWithID, error)
	RecordSuccess(ctx context.Context, provider string, id int, bonus int) error
	RecordFailure(ctx context.Context, provider string, id int, errorMessage string, penalty int) error
	RecordRateLimit(ctx context.Context, provider string, id int, penalty int) error
}

// HealthRecordWithID pairs a stored record with the credential it belongs
// to, for bulk provider-level reads (admin surfaces, metrics).
type HealthRecordWithID struct {
	CredentialID int
	HealthRecord
}

// TokenRecord is the persisted state the Token Store keeps per
// (provider, credentialId).
type TokenRecord struct {
	Tokens      float64
	LastUpdated time.Time
}

// TokenStore is the persistence contract consumed by TokenBucket. Consume
// and Refund MUST be atomic per (provider, id) — see spec.md §5.
type TokenStore interface {
	GetTokens(ctx context.Context, provider string, id int, maxTokens, regenPerMinute float64) (float64, error)
	GetByProvider(ctx context.Context, provider string) ([]TokenRecordWithID, error)
	Consume(ctx context.Context, provider string, id int, amount, maxTokens, regenPerMinute float64) (success bool, tokens float64, err error)
	Refund(ctx context.Context, provider string, id int, amount, maxTokens float64) (float64, error)
}

// TokenRecordWithID pairs a stored token record with its credential ID.
type TokenRecordWithID struct {
	CredentialID int
	TokenRecord
}

// ProviderConfig is the recognized per-provider configuration surface from
// spec.md §6. A zero-valued field means "unset": mergeProviderConfig fills
// it from DefaultProviderConfig. Strategies read their fields as given, so
// a config passed to Factory.Build directly must already be merged.
type ProviderConfig struct {
	Strategy string `yaml:"strategy" json:"strategy"`

	HealthWeight float64 `yaml:"health-weight" json:"health-weight"`
	TokenWeight  float64 `yaml:"token-weight" json:"token-weight"`
	QuotaWeight  float64 `yaml:"quota-weight" json:"quota-weight"`
	LRUWeight    float64 `yaml:"lru-weight" json:"lru-weight"`

	MinHealthThreshold int `yaml:"min-health-threshold" json:"min-health-threshold"`

	TokenBucketMax      float64 `yaml:"token-bucket-max" json:"token-bucket-max"`
	TokenRegenPerMinute float64 `yaml:"token-regen-per-minute" json:"token-regen-per-minute"`

	QuotaLowThreshold      float64 `yaml:"quota-low-threshold" json:"quota-low-threshold"`
	QuotaCriticalThreshold float64 `yaml:"quota-critical-threshold" json:"quota-critical-threshold"`

	SessionTTL time.Duration `yaml:"session-ttl" json:"session-ttl"`
}

// ConfigStore is the persistence contract for per-provider strategy
// configuration (spec.md §6's "Config Store contract").
type ConfigStore interface {
	GetByProvider(ctx context.Context, provider string) (*ProviderConfig, error)
}

// DefaultProviderConfig returns the hard-coded defaults from spec.md §4/§6.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Strategy:               "hybrid",
		HealthWeight:           2,
		TokenWeight:            5,
		QuotaWeight:            3,
		LRUWeight:              0.1,
		MinHealthThreshold:     50,
		TokenBucketMax:         50,
		TokenRegenPerMinute:    6,
		QuotaLowThreshold:      0.10,
		QuotaCriticalThreshold: 0.05,
		SessionTTL:             30 * time.Minute,
	}
}

// mergeProviderConfig layers dbConfig over defaults, then callerConfig over
// that — later non-zero-valued fields win, per spec.md §4.7's
// "defaults ← dbConfig ← callerConfig" merge order.
func mergeProviderConfig(defaults ProviderConfig, dbConfig, callerConfig *ProviderConfig) ProviderConfig {
	merged := defaults
	applyOverride(&merged, dbConfig)
	applyOverride(&merged, callerConfig)
	return merged
}

func applyOverride(dst *ProviderConfig, src *ProviderConfig) {
	if src == nil {
		return
	}
	if src.Strategy != "" {
		dst.Strategy = src.Strategy
	}
	if src.HealthWeight != 0 {
		dst.HealthWeight = src.HealthWeight
	}
	if src.TokenWeight != 0 {
		dst.TokenWeight = src.TokenWeight
	}
	if src.QuotaWeight != 0 {
		dst.QuotaWeight = src.QuotaWeight
	}
	if src.LRUWeight != 0 {
		dst.LRUWeight = src.LRUWeight
	}
	if src.MinHealthThreshold != 0 {
		dst.MinHealthThreshold = src.MinHealthThreshold
	}
	if src.TokenBucketMax != 0 {
		dst.TokenBucketMax = src.TokenBucketMax
	}
	if src.TokenRegenPerMinute != 0 {
		dst.TokenRegenPerMinute = src.TokenRegenPerMinute
	}
	if src.QuotaLowThreshold != 0 {
		dst.QuotaLowThreshold = src.QuotaLowThreshold
	}
	if src.QuotaCriticalThreshold != 0 {
		dst.QuotaCriticalThreshold = src.QuotaCriticalThreshold
	}
	if src.SessionTTL != 0 {
		dst.SessionTTL = src.SessionTTL
	}
}
