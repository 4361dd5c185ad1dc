// Package upstream executes requests against a chosen credential's
// provider, wrapping the call in a per-provider circuit breaker and retry
// policy and feeding the outcome back into the selection core (spec.md
// §4.4's onSuccess/onFailure/onRateLimit, supplemented per SPEC_FULL.md
// §4.1-§4.2).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaymux/gateway/internal/apierr"
	"github.com/relaymux/gateway/internal/logging"
	"github.com/relaymux/gateway/internal/resilience"
	"github.com/relaymux/gateway/internal/selector"
)

// Request is the provider-agnostic shape a Client executes. Translation
// between wire formats (Claude/OpenAI) and this shape happens in
// internal/translator, upstream of this package.
type Request struct {
	Model    string
	Messages []byte // translated provider-native request body
	Stream   bool
}

// Response is a non-streaming provider response body; internal/transport
// translates it into the caller's wire format.
type Response struct {
	Body       []byte
	StatusCode int
}

// StreamChunk is one SSE event (or terminal error) from a streaming call.
type StreamChunk struct {
	Data []byte
	Err  error
}

// Client executes requests against one upstream provider using one
// credential's materialized secret. Implementations live in
// internal/upstream/gemini and sibling packages per provider.
type Client interface {
	Execute(ctx context.Context, cred *selector.Credential, req Request) (Response, error)
	ExecuteStream(ctx context.Context, cred *selector.Credential, req Request) (<-chan StreamChunk, error)
}

// TokenEstimator sizes a request's cost in bucket-sized units. Gateway
// reports the estimate to usage metering only; selecting a credential
// always consumes a single token.
type TokenEstimator interface {
	Estimate(model string, body []byte) float64
}

// UsageSink receives one usage record per completed request, for the
// internal/usage backends' after-the-fact cost accounting. It is optional:
// a nil sink simply disables metering without touching the request path.
type UsageSink interface {
	Enqueue(rec UsageRecord)
}

// UsageRecord mirrors internal/usage.Record's shape without importing that
// package, so upstream stays free to run with metering disabled.
type UsageRecord struct {
	Provider      string
	CredentialID  int
	Model         string
	EstimatedCost float64
	Success       bool
	Timestamp     time.Time
}

// Gateway ties the selection core to provider execution: it asks the
// selector.Manager for a credential, executes against that provider's
// Client inside a circuit breaker, and reports the outcome back so health,
// tokens, and (for Sticky) session bindings stay accurate.
type Gateway struct {
	selector *selector.Manager
	clients  map[string]Client
	estimate TokenEstimator
	usage    UsageSink

	mu        sync.Mutex
	executors map[string]*resilience.Executor[Response]

	streamOnce sync.Once
	streams    *streamBreakers

	retryConfig   resilience.RetryConfig
	maxCandidates int
}

// NewGateway builds a Gateway over the given selector.Manager and the set
// of per-provider Clients. maxCandidates bounds how many distinct
// credentials a single request will try before giving up (SPEC_FULL.md
// §4's "multi-credential retry loop").
func NewGateway(mgr *selector.Manager, clients map[string]Client, estimate TokenEstimator, maxCandidates int) *Gateway {
	if maxCandidates <= 0 {
		maxCandidates = 3
	}
	return &Gateway{
		selector:      mgr,
		clients:       clients,
		estimate:      estimate,
		executors:     make(map[string]*resilience.Executor[Response]),
		retryConfig:   resilience.DefaultRetryConfig,
		maxCandidates: maxCandidates,
	}
}

// WithUsageSink attaches a usage metering sink, returning the Gateway for
// chaining at construction time.
func (g *Gateway) WithUsageSink(sink UsageSink) *Gateway {
	g.usage = sink
	return g
}

func (g *Gateway) recordUsage(provider string, credentialID int, model string, cost float64, success bool) {
	if g.usage == nil {
		return
	}
	g.usage.Enqueue(UsageRecord{
		Provider:      provider,
		CredentialID:  credentialID,
		Model:         model,
		EstimatedCost: cost,
		Success:       success,
		Timestamp:     time.Now(),
	})
}

// executorFor returns the retry+breaker executor for a provider, lazily
// building one on first use. A single credential's failure only advances
// the selector's fallback cascade (via onFailure) if the executor's own
// retries are exhausted first.
func (g *Gateway) executorFor(provider string) *resilience.Executor[Response] {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.executors[provider]
	if !ok {
		breakerCfg := resilience.DefaultBreakerConfig(provider)
		e = resilience.NewExecutor[Response](g.retryConfig, &breakerCfg)
		g.executors[provider] = e
	}
	return e
}

// Execute selects a credential, runs req against it, and reports success or
// failure back to the selector — retrying with a different credential
// (spec.md §4.4's excludeIds) on a retryable failure, up to maxCandidates
// distinct credentials.
func (g *Gateway) Execute(ctx context.Context, provider string, pool []*selector.Credential, sc selector.SelectContext, req Request) (Response, error) {
	client, ok := g.clients[provider]
	if !ok {
		return Response{}, fmt.Errorf("upstream: no client registered for provider %q", provider)
	}

	// Estimated cost is reported alongside the outcome for usage metering
	// (internal/usage). It deliberately does NOT change how many tokens
	// Select consumes from the bucket — spec.md §8 invariant 5 requires a
	// successful select to decrement the bucket by exactly one regardless
	// of request size.
	estimatedCost := 1.0
	if g.estimate != nil {
		estimatedCost = g.estimate.Estimate(req.Model, req.Messages)
	}
	logging.Debugf("upstream: estimated cost for %s/%s = %.1f", provider, req.Model, estimatedCost)

	executor := g.executorFor(provider)
	sc.Provider = provider

	var lastErr error
	tried := 0
	for tried < g.maxCandidates {
		result, err := g.selector.SelectWithOverride(ctx, provider, pool, sc, nil)
		if err != nil {
			return Response{}, fmt.Errorf("upstream: select %s: %w", provider, err)
		}
		if result.Credential == nil {
			if lastErr != nil {
				return Response{}, lastErr
			}
			return Response{}, fmt.Errorf("upstream: no usable credential for %s", provider)
		}

		cred := result.Credential
		tried++
		sc.ExcludeIDs = append(sc.ExcludeIDs, cred.ID)

		out, execErr := executor.Execute(ctx, func() (Response, error) {
			return client.Execute(ctx, cred, req)
		})
		if execErr == nil {
			if err := g.selector.OnSuccess(ctx, provider, cred.ID); err != nil {
				logging.Errorw("upstream: onSuccess failed", err, "provider", provider, "credential", cred.ID)
			}
			g.recordUsage(provider, cred.ID, req.Model, estimatedCost, true)
			return out, nil
		}

		lastErr = execErr
		category := categorize(execErr)
		if err := g.report(ctx, provider, cred.ID, category, execErr); err != nil {
			logging.Errorw("upstream: outcome report failed", err, "provider", provider, "credential", cred.ID)
		}
		g.recordUsage(provider, cred.ID, req.Model, estimatedCost, false)
		if !category.ShouldFallback() {
			return Response{}, execErr
		}
	}
	return Response{}, fmt.Errorf("upstream: exhausted %d candidates for %s: %w", tried, provider, lastErr)
}

// ExecuteStream is Execute's streaming counterpart. Because a stream's
// success/failure is only known once the body has been read, the fallback
// retry happens only on the initial connect error; mid-stream failures are
// reported but surfaced to the caller rather than silently retried.
func (g *Gateway) ExecuteStream(ctx context.Context, provider string, pool []*selector.Credential, sc selector.SelectContext, req Request) (<-chan StreamChunk, error) {
	client, ok := g.clients[provider]
	if !ok {
		return nil, fmt.Errorf("upstream: no client registered for provider %q", provider)
	}

	estimatedCost := 1.0
	if g.estimate != nil {
		estimatedCost = g.estimate.Estimate(req.Model, req.Messages)
	}

	breaker := g.streamBreaker(provider)
	sc.Provider = provider

	var lastErr error
	tried := 0
	for tried < g.maxCandidates {
		result, err := g.selector.SelectWithOverride(ctx, provider, pool, sc, nil)
		if err != nil {
			return nil, fmt.Errorf("upstream: select %s: %w", provider, err)
		}
		if result.Credential == nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, fmt.Errorf("upstream: no usable credential for %s", provider)
		}

		cred := result.Credential
		tried++
		sc.ExcludeIDs = append(sc.ExcludeIDs, cred.ID)

		done, allowErr := breaker.Allow()
		if allowErr != nil {
			lastErr = allowErr
			continue
		}

		chunks, streamErr := client.ExecuteStream(ctx, cred, req)
		if streamErr != nil {
			done(false)
			lastErr = streamErr
			category := categorize(streamErr)
			if err := g.report(ctx, provider, cred.ID, category, streamErr); err != nil {
				logging.Errorw("upstream: outcome report failed", err, "provider", provider, "credential", cred.ID)
			}
			g.recordUsage(provider, cred.ID, req.Model, estimatedCost, false)
			if !category.ShouldFallback() {
				return nil, streamErr
			}
			continue
		}

		if err := g.selector.OnSuccess(ctx, provider, cred.ID); err != nil {
			logging.Errorw("upstream: onSuccess failed", err, "provider", provider, "credential", cred.ID)
		}
		g.recordUsage(provider, cred.ID, req.Model, estimatedCost, true)
		return g.wrapStream(chunks, done), nil
	}
	return nil, fmt.Errorf("upstream: exhausted %d candidates for %s: %w", tried, provider, lastErr)
}

func (g *Gateway) wrapStream(in <-chan StreamChunk, done func(bool)) <-chan StreamChunk {
	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		failed := false
		for chunk := range in {
			if chunk.Err != nil {
				failed = true
			}
			out <- chunk
		}
		done(!failed)
	}()
	return out
}

type streamBreakers struct {
	mu       sync.Mutex
	breakers map[string]*resilience.StreamingCircuitBreaker
}

func (g *Gateway) streamBreaker(provider string) *resilience.StreamingCircuitBreaker {
	g.streamOnce.Do(func() { g.streams = &streamBreakers{breakers: make(map[string]*resilience.StreamingCircuitBreaker)} })
	g.streams.mu.Lock()
	defer g.streams.mu.Unlock()
	b, ok := g.streams.breakers[provider]
	if !ok {
		b = resilience.NewStreamingCircuitBreaker(resilience.DefaultBreakerConfig(provider))
		g.streams.breakers[provider] = b
	}
	return b
}

func (g *Gateway) report(ctx context.Context, provider string, credentialID int, category apierr.ErrorCategory, err error) error {
	switch category {
	case apierr.CategoryRateLimit:
		resetMs := retryAfterMs(err)
		return g.selector.OnRateLimit(ctx, provider, credentialID, resetMs)
	default:
		return g.selector.OnFailure(ctx, provider, credentialID, string(category))
	}
}

func categorize(err error) apierr.ErrorCategory {
	var ae *apierr.Error
	if errors.As(err, &ae) && ae != nil {
		return ae.Category
	}
	return apierr.CategorizeError(0, err.Error())
}

func retryAfterMs(err error) int64 {
	var ae *apierr.Error
	if errors.As(err, &ae) && ae != nil {
		if ra := ae.RetryAfter(); ra != nil {
			return ra.Milliseconds()
		}
	}
	return time.Minute.Milliseconds()
}
