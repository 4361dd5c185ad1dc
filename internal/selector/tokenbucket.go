package selector

import (
	"context"
	"fmt"
	"math"
)

// Token Bucket defaults, spec.md §4.2. Actual values in effect for a given
// provider come from ProviderConfig.TokenBucketMax /
// ProviderConfig.TokenRegenPerMinute; these are only the hard-coded
// fallbacks when a provider config doesn't override them.
const (
	defaultMaxTokens      = 50
	defaultRegenPerMinute = 6
)

// TokenBucket is a thin, config-aware façade over a TokenStore. All
// atomicity guarantees (spec.md §5 — consume/refund must be atomic per key)
// are the store implementation's responsibility; this type only supplies
// the regeneration parameters and the derived read-only helpers.
type TokenBucket struct {
	store          TokenStore
	maxTokens      float64
	regenPerMinute float64
}

func NewTokenBucket(store TokenStore, maxTokens, regenPerMinute float64) *TokenBucket {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if regenPerMinute <= 0 {
		regenPerMinute = defaultRegenPerMinute
	}
	return &TokenBucket{store: store, maxTokens: maxTokens, regenPerMinute: regenPerMinute}
}

// GetTokens returns the regenerated token count for a credential.
func (b *TokenBucket) GetTokens(ctx context.Context, provider string, id int) (float64, error) {
	tokens, err := b.store.GetTokens(ctx, provider, id, b.maxTokens, b.regenPerMinute)
	if err != nil {
		return 0, fmt.Errorf("selector: tokens get %s/%d: %w", provider, id, err)
	}
	return tokens, nil
}

// HasTokens reports whether at least one token is currently available.
func (b *TokenBucket) HasTokens(ctx context.Context, provider string, id int) (bool, error) {
	tokens, err := b.GetTokens(ctx, provider, id)
	if err != nil {
		return false, err
	}
	return tokens >= 1, nil
}

// Consume atomically deducts amount tokens if available. amount defaults to
// 1 when the caller passes <= 0; non-uniform request costs (e.g. an
// upstream collaborator estimating request size) can pass a larger amount.
func (b *TokenBucket) Consume(ctx context.Context, provider string, id int, amount float64) (success bool, tokens float64, err error) {
	if amount <= 0 {
		amount = 1
	}
	ok, tok, storeErr := b.store.Consume(ctx, provider, id, amount, b.maxTokens, b.regenPerMinute)
	if storeErr != nil {
		return false, 0, fmt.Errorf("selector: tokens consume %s/%d: %w", provider, id, storeErr)
	}
	return ok, tok, nil
}

// Refund atomically credits amount tokens back, capped at maxTokens.
func (b *TokenBucket) Refund(ctx context.Context, provider string, id int, amount float64) (float64, error) {
	if amount <= 0 {
		amount = 1
	}
	tok, err := b.store.Refund(ctx, provider, id, amount, b.maxTokens)
	if err != nil {
		return 0, fmt.Errorf("selector: tokens refund %s/%d: %w", provider, id, err)
	}
	return tok, nil
}

// MaxTokens returns the configured bucket capacity, used by Hybrid's
// tokens_pct scoring normalization.
func (b *TokenBucket) MaxTokens() float64 {
	return b.maxTokens
}

// TimeUntilNextToken estimates the wait, in milliseconds, until a bucket
// holding currentTokens accrues its next whole token.
func (b *TokenBucket) TimeUntilNextToken(currentTokens float64) int64 {
	if currentTokens >= 1 {
		return 0
	}
	if b.regenPerMinute <= 0 {
		return 0
	}
	ms := (1 - currentTokens) / b.regenPerMinute * 60_000
	return int64(math.Ceil(ms))
}

// regenerate computes the effective token count at `now` given a stored
// (tokens, lastUpdated) pair, per spec.md §4.2's continuous-regeneration
// model. This package's test store calls it inside its atomic
// read-modify-write critical section; the memory and sqlite stores carry
// their own copy of the same formula.
func regenerate(tokens float64, elapsedMs float64, maxTokens, regenPerMinute float64) float64 {
	regenerated := tokens + elapsedMs/60_000*regenPerMinute
	if regenerated > maxTokens {
		return maxTokens
	}
	if regenerated < 0 {
		return 0
	}
	return regenerated
}
