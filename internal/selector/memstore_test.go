package selector

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memHealthStore and memTokenStore are minimal in-memory HealthStore/
// TokenStore implementations used only by this package's tests. The real
// persistence-layer implementations live under internal/store.
type memHealthStore struct {
	mu      sync.Mutex
	records map[string]*HealthRecord
}

func newMemHealthStore() *memHealthStore {
	return &memHealthStore{records: make(map[string]*HealthRecord)}
}

func (m *memHealthStore) key(provider string, id int) string {
	return provider + "/" + strconv.Itoa(id)
}

func (m *memHealthStore) Get(ctx context.Context, provider string, id int) (*HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[m.key(provider, id)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memHealthStore) GetByProvider(ctx context.Context, provider string) ([]HealthRecordWithID, error) {
	return nil, nil
}

func (m *memHealthStore) RecordSuccess(ctx context.Context, provider string, id int, bonus int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrInit(provider, id)
	rec.HealthScore = clampHealth(rec.HealthScore + bonus)
	return nil
}

func (m *memHealthStore) RecordFailure(ctx context.Context, provider string, id int, errorMessage string, penalty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrInit(provider, id)
	rec.HealthScore = clampHealth(rec.HealthScore - penalty)
	rec.LastFailureAt = time.Now()
	rec.ErrorCount++
	rec.LastError = errorMessage
	return nil
}

func (m *memHealthStore) RecordRateLimit(ctx context.Context, provider string, id int, penalty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.getOrInit(provider, id)
	rec.HealthScore = clampHealth(rec.HealthScore - penalty)
	rec.LastFailureAt = time.Now()
	return nil
}

func (m *memHealthStore) getOrInit(provider string, id int) *HealthRecord {
	k := m.key(provider, id)
	rec, ok := m.records[k]
	if !ok {
		rec = &HealthRecord{HealthScore: initialHealthScore}
		m.records[k] = rec
	}
	return rec
}

type memTokenStore struct {
	mu      sync.Mutex
	tokens  map[string]float64
	updated map[string]time.Time
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]float64), updated: make(map[string]time.Time)}
}

func (m *memTokenStore) key(provider string, id int) string {
	return provider + "/" + strconv.Itoa(id)
}

func (m *memTokenStore) GetTokens(ctx context.Context, provider string, id int, maxTokens, regenPerMinute float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regenLocked(provider, id, maxTokens, regenPerMinute), nil
}

func (m *memTokenStore) GetByProvider(ctx context.Context, provider string) ([]TokenRecordWithID, error) {
	return nil, nil
}

func (m *memTokenStore) Consume(ctx context.Context, provider string, id int, amount, maxTokens, regenPerMinute float64) (bool, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.regenLocked(provider, id, maxTokens, regenPerMinute)
	if current < amount {
		return false, current, nil
	}
	next := current - amount
	k := m.key(provider, id)
	m.tokens[k] = next
	m.updated[k] = time.Now()
	return true, next, nil
}

func (m *memTokenStore) Refund(ctx context.Context, provider string, id int, amount, maxTokens float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(provider, id)
	current, ok := m.tokens[k]
	if !ok {
		current = maxTokens
	}
	next := current + amount
	if next > maxTokens {
		next = maxTokens
	}
	m.tokens[k] = next
	m.updated[k] = time.Now()
	return next, nil
}

func (m *memTokenStore) regenLocked(provider string, id int, maxTokens, regenPerMinute float64) float64 {
	k := m.key(provider, id)
	tokens, ok := m.tokens[k]
	if !ok {
		m.tokens[k] = maxTokens
		m.updated[k] = time.Now()
		return maxTokens
	}
	last, ok := m.updated[k]
	if !ok {
		return tokens
	}
	elapsed := float64(time.Since(last).Milliseconds())
	return regenerate(tokens, elapsed, maxTokens, regenPerMinute)
}

// setTokens seeds a starting token count for test setup, bypassing regen.
func (m *memTokenStore) setTokens(provider string, id int, tokens float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(provider, id)
	m.tokens[k] = tokens
	m.updated[k] = time.Now()
}
