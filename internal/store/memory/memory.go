// Package memory implements the selector's Health/Token/Config store
// contracts entirely in process memory, sharded by key to keep per-
// credential atomicity cheap under concurrent access. It is the default
// backend for a single-instance deployment and the reference
// implementation every other backend's behavior is checked against.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/relaymux/gateway/internal/selector"
)

const shardCount = 64

type key struct {
	provider string
	id       int
}

func shardIndex(k key) uint32 {
	h := fnv32(k.provider) ^ uint32(k.id)*2654435761
	return h % shardCount
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// HealthStore is a sharded-lock, in-memory selector.HealthStore.
type HealthStore struct {
	shards [shardCount]*healthShard
}

type healthShard struct {
	mu      sync.Mutex
	records map[key]*selector.HealthRecord
}

func NewHealthStore() *HealthStore {
	s := &HealthStore{}
	for i := range s.shards {
		s.shards[i] = &healthShard{records: make(map[key]*selector.HealthRecord)}
	}
	return s
}

func (s *HealthStore) shard(k key) *healthShard {
	return s.shards[shardIndex(k)]
}

func (s *HealthStore) Get(_ context.Context, provider string, id int) (*selector.HealthRecord, error) {
	k := key{provider, id}
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[k]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *HealthStore) GetByProvider(_ context.Context, provider string) ([]selector.HealthRecordWithID, error) {
	var out []selector.HealthRecordWithID
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.records {
			if k.provider == provider {
				out = append(out, selector.HealthRecordWithID{CredentialID: k.id, HealthRecord: *rec})
			}
		}
		sh.mu.Unlock()
	}
	return out, nil
}

func (s *HealthStore) RecordSuccess(_ context.Context, provider string, id int, bonus int) error {
	k := key{provider, id}
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := s.getOrInitLocked(sh, k)
	rec.HealthScore = clampHealth(rec.HealthScore + bonus)
	return nil
}

func (s *HealthStore) RecordFailure(_ context.Context, provider string, id int, errorMessage string, penalty int) error {
	k := key{provider, id}
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := s.getOrInitLocked(sh, k)
	rec.HealthScore = clampHealth(rec.HealthScore - penalty)
	rec.LastFailureAt = time.Now()
	rec.ErrorCount++
	rec.LastError = errorMessage
	return nil
}

func (s *HealthStore) RecordRateLimit(_ context.Context, provider string, id int, penalty int) error {
	k := key{provider, id}
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := s.getOrInitLocked(sh, k)
	rec.HealthScore = clampHealth(rec.HealthScore - penalty)
	rec.LastFailureAt = time.Now()
	return nil
}

func (s *HealthStore) getOrInitLocked(sh *healthShard, k key) *selector.HealthRecord {
	rec, ok := sh.records[k]
	if !ok {
		rec = &selector.HealthRecord{HealthScore: initialHealthScore}
		sh.records[k] = rec
	}
	return rec
}

// initialHealthScore mirrors selector's unexported default; kept here too
// since a fresh store has no record to read it from.
const initialHealthScore = 70

func clampHealth(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// TokenStore is a sharded-lock, in-memory selector.TokenStore.
type TokenStore struct {
	shards [shardCount]*tokenShard
}

type tokenEntry struct {
	tokens      float64
	lastUpdated time.Time
	seeded      bool
}

type tokenShard struct {
	mu      sync.Mutex
	entries map[key]*tokenEntry
}

func NewTokenStore() *TokenStore {
	s := &TokenStore{}
	for i := range s.shards {
		s.shards[i] = &tokenShard{entries: make(map[key]*tokenEntry)}
	}
	return s
}

func (s *TokenStore) shard(k key) *tokenShard {
	return s.shards[shardIndex(k)]
}

func (s *TokenStore) GetTokens(_ context.Context, provider string, id int, maxTokens, regenPerMinute float64) (float64, error) {
	k := key{provider, id}
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.regenLocked(sh, k, maxTokens, regenPerMinute), nil
}

func (s *TokenStore) GetByProvider(_ context.Context, provider string) ([]selector.TokenRecordWithID, error) {
	var out []selector.TokenRecordWithID
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if k.provider == provider {
				out = append(out, selector.TokenRecordWithID{
					CredentialID: k.id,
					TokenRecord:  selector.TokenRecord{Tokens: e.tokens, LastUpdated: e.lastUpdated},
				})
			}
		}
		sh.mu.Unlock()
	}
	return out, nil
}

func (s *TokenStore) Consume(_ context.Context, provider string, id int, amount, maxTokens, regenPerMinute float64) (bool, float64, error) {
	k := key{provider, id}
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current := s.regenLocked(sh, k, maxTokens, regenPerMinute)
	if current < amount {
		return false, current, nil
	}
	next := current - amount
	sh.entries[k] = &tokenEntry{tokens: next, lastUpdated: time.Now(), seeded: true}
	return true, next, nil
}

func (s *TokenStore) Refund(_ context.Context, provider string, id int, amount, maxTokens float64) (float64, error) {
	k := key{provider, id}
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[k]
	current := maxTokens
	if ok {
		current = e.tokens
	}
	next := current + amount
	if next > maxTokens {
		next = maxTokens
	}
	sh.entries[k] = &tokenEntry{tokens: next, lastUpdated: time.Now(), seeded: true}
	return next, nil
}

func (s *TokenStore) regenLocked(sh *tokenShard, k key, maxTokens, regenPerMinute float64) float64 {
	e, ok := sh.entries[k]
	if !ok {
		sh.entries[k] = &tokenEntry{tokens: maxTokens, lastUpdated: time.Now(), seeded: true}
		return maxTokens
	}
	elapsed := float64(time.Since(e.lastUpdated).Milliseconds())
	return regenerate(e.tokens, elapsed, maxTokens, regenPerMinute)
}

func regenerate(tokens, elapsedMs, maxTokens, regenPerMinute float64) float64 {
	regenerated := tokens + elapsedMs/60_000*regenPerMinute
	if regenerated > maxTokens {
		return maxTokens
	}
	if regenerated < 0 {
		return 0
	}
	return regenerated
}

// ConfigStore is a mutex-guarded, in-memory selector.ConfigStore, useful
// for tests and for deployments that manage provider config entirely via
// the YAML file (internal/config) rather than a database.
type ConfigStore struct {
	mu      sync.RWMutex
	configs map[string]selector.ProviderConfig
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{configs: make(map[string]selector.ProviderConfig)}
}

func (c *ConfigStore) GetByProvider(_ context.Context, provider string) (*selector.ProviderConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[provider]
	if !ok {
		return nil, nil
	}
	cp := cfg
	return &cp, nil
}

func (c *ConfigStore) Set(provider string, cfg selector.ProviderConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[provider] = cfg
}

// PutProviderConfig is Set with the context-taking signature internal/store's
// SQL-backed stores use, so callers can treat every backend uniformly as a
// transport.ConfigWriter regardless of which one is configured.
func (c *ConfigStore) PutProviderConfig(_ context.Context, provider string, cfg selector.ProviderConfig) error {
	c.Set(provider, cfg)
	return nil
}
