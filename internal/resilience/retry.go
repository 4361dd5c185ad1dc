package resilience

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"

	"github.com/relaymux/gateway/internal/apierr"
)

// RetryConfig governs the backoff schedule failsafe-go's retrypolicy builds
// for one credential attempt. It does not decide whether to try a different
// credential after exhausting retries — that cross-credential fallback is
// internal/upstream.Gateway's job, driven by apierr.ErrorCategory.ShouldFallback.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
	ShouldRetry func(resp *http.Response, err error) bool
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	JitterDelay: 250 * time.Millisecond,
	ShouldRetry: func(resp *http.Response, err error) bool {
		if err != nil {
			return true
		}
		if resp == nil {
			return false
		}
		return resp.StatusCode == 429 || resp.StatusCode >= 500
	},
}

// BreakerConfig parameterizes the gobreaker.Settings backing both the
// synchronous breaker Executor wraps and the streaming variant in
// streaming_breaker.go. One BreakerConfig exists per provider name, so a
// flaky Gemini backend tripping its breaker doesn't affect Vertex traffic.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	OnStateChange    func(name string, from, to gobreaker.State)
	IsSuccessful     func(err error) bool
}

// isProviderSuccess treats only apierr categories that ShouldFallback as
// breaker failures — a user error (bad request, not-found) is the caller's
// fault, not the provider's, and shouldn't push its breaker toward open.
func isProviderSuccess(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *apierr.Error
	if ok := asAPIErr(err, &apiErr); ok {
		return !apiErr.CategoryOf().ShouldFallback()
	}
	return false
}

func asAPIErr(err error, target **apierr.Error) bool {
	ae, ok := err.(*apierr.Error)
	if !ok {
		return false
	}
	*target = ae
	return true
}

func DefaultBreakerConfig(providerName string) BreakerConfig {
	return BreakerConfig{
		Name:             providerName,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful:     isProviderSuccess,
	}
}

func readyToTrip(cfg BreakerConfig) func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if counts.Requests < cfg.MinRequests {
			return false
		}
		if counts.ConsecutiveFailures >= cfg.FailureThreshold {
			return true
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
	}
}

func gobreakerSettings(cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.MaxRequests,
		Interval:      cfg.Interval,
		Timeout:       cfg.Timeout,
		ReadyToTrip:   readyToTrip(cfg),
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
}

// providerBreaker is the synchronous breaker Executor wraps around a single
// request/response round trip. Streaming requests use StreamingCircuitBreaker
// instead, since a stream's success/failure isn't known until long after the
// call that opens it returns.
type providerBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newProviderBreaker(cfg BreakerConfig) *providerBreaker {
	return &providerBreaker{cb: gobreaker.NewCircuitBreaker(gobreakerSettings(cfg))}
}

func (b *providerBreaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

func (b *providerBreaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *providerBreaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func newRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	return builder.Build()
}

// Executor runs one credential attempt through failsafe-go's retry policy,
// then (if configured) through a circuit breaker keyed by provider name.
// internal/upstream.Gateway holds one Executor per provider and reuses it
// across the outer, cross-credential retry loop in Execute/ExecuteStream.
type Executor[R any] struct {
	executor failsafe.Executor[R]
	breaker  *providerBreaker
}

func NewExecutor[R any](retryConfig RetryConfig, breakerConfig *BreakerConfig) *Executor[R] {
	rp := newRetryPolicy[R](retryConfig)

	var breaker *providerBreaker
	if breakerConfig != nil {
		breaker = newProviderBreaker(*breakerConfig)
	}

	return &Executor[R]{
		executor: failsafe.With(rp),
		breaker:  breaker,
	}
}

func (e *Executor[R]) Execute(ctx context.Context, fn func() (R, error)) (R, error) {
	if e.breaker == nil {
		return e.executor.WithContext(ctx).Get(fn)
	}
	result, err := e.breaker.Execute(func() (any, error) {
		return e.executor.WithContext(ctx).Get(fn)
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result.(R), nil
}
