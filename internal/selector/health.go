package selector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Health Tracker constants, spec.md §4.1.
const (
	initialHealthScore  = 70
	maxHealthScore      = 100
	minUsableHealth     = 50
	successBonus        = 1
	rateLimitPenalty    = 10
	failurePenalty      = 20
	recoveryPerHour     = 10
	healthCacheTTL      = 60 * time.Second
)

// HealthTracker maintains a reliability score per (provider, credentialId)
// with passive, read-time recovery. It never raises the stored score on a
// read — only recordSuccess does that — so repeated reads are idempotent
// with respect to the persisted value.
type HealthTracker struct {
	store HealthStore

	cacheMu sync.RWMutex
	cache   map[healthKey]healthCacheEntry
}

type healthKey struct {
	provider string
	id       int
}

type healthCacheEntry struct {
	score     int
	expiresAt time.Time
}

func NewHealthTracker(store HealthStore) *HealthTracker {
	return &HealthTracker{
		store: store,
		cache: make(map[healthKey]healthCacheEntry),
	}
}

// GetScore returns the live score in [0, maxHealthScore], applying passive
// recovery on top of whatever is persisted. The stored value itself is
// never modified by this call.
func (h *HealthTracker) GetScore(ctx context.Context, provider string, id int) (int, error) {
	key := healthKey{provider, id}

	if cached, ok := h.readCache(key); ok {
		return cached, nil
	}

	rec, err := h.store.Get(ctx, provider, id)
	if err != nil {
		return 0, fmt.Errorf("selector: health get %s/%d: %w", provider, id, err)
	}

	stored := initialHealthScore
	var lastFailureAt time.Time
	if rec != nil {
		stored = rec.HealthScore
		lastFailureAt = rec.LastFailureAt
	}

	live := applyRecovery(stored, lastFailureAt, time.Now())
	h.writeCache(key, live)
	return live, nil
}

// applyRecovery computes the read-time recovered score: a one-way,
// monotonically non-decreasing function of wall-clock time until the next
// write (spec.md §8 invariant 9).
func applyRecovery(stored int, lastFailureAt time.Time, now time.Time) int {
	if lastFailureAt.IsZero() {
		return clampHealth(stored)
	}
	hours := now.Sub(lastFailureAt).Hours()
	if hours <= 0 {
		return clampHealth(stored)
	}
	recovered := int(math.Floor(hours * recoveryPerHour))
	return clampHealth(stored + recovered)
}

func clampHealth(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxHealthScore {
		return maxHealthScore
	}
	return score
}

// IsUsableHealth reports whether a score clears the usability floor.
func IsUsableHealth(score int) bool {
	return score >= minUsableHealth
}

// RecordSuccess applies the success bonus, clamped to maxHealthScore.
// lastFailureAt is left untouched — a success does not erase the memory of
// a prior failure, only passive recovery does that.
func (h *HealthTracker) RecordSuccess(ctx context.Context, provider string, id int) error {
	h.invalidate(provider, id)
	if err := h.store.RecordSuccess(ctx, provider, id, successBonus); err != nil {
		return fmt.Errorf("selector: health record success %s/%d: %w", provider, id, err)
	}
	return nil
}

// RecordRateLimit applies the rate-limit penalty and sets lastFailureAt.
func (h *HealthTracker) RecordRateLimit(ctx context.Context, provider string, id int) error {
	h.invalidate(provider, id)
	if err := h.store.RecordRateLimit(ctx, provider, id, rateLimitPenalty); err != nil {
		return fmt.Errorf("selector: health record rate limit %s/%d: %w", provider, id, err)
	}
	return nil
}

// RecordFailure applies the failure penalty, sets lastFailureAt, and stores
// the error message.
func (h *HealthTracker) RecordFailure(ctx context.Context, provider string, id int, errorMessage string) error {
	h.invalidate(provider, id)
	if err := h.store.RecordFailure(ctx, provider, id, errorMessage, failurePenalty); err != nil {
		return fmt.Errorf("selector: health record failure %s/%d: %w", provider, id, err)
	}
	return nil
}

func (h *HealthTracker) readCache(key healthKey) (int, bool) {
	h.cacheMu.RLock()
	defer h.cacheMu.RUnlock()
	entry, ok := h.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.score, true
}

func (h *HealthTracker) writeCache(key healthKey, score int) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	h.cache[key] = healthCacheEntry{score: score, expiresAt: time.Now().Add(healthCacheTTL)}
}

func (h *HealthTracker) invalidate(provider string, id int) {
	h.cacheMu.Lock()
	delete(h.cache, healthKey{provider, id})
	h.cacheMu.Unlock()
}
