package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/relaymux/gateway/internal/apierr"
)

func TestProviderBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stateChanges := make([]gobreaker.State, 0)
	cfg := DefaultBreakerConfig("gemini")
	cfg.MinRequests = 3
	cfg.FailureThreshold = 3
	cfg.OnStateChange = func(_ string, _, to gobreaker.State) {
		stateChanges = append(stateChanges, to)
	}

	breaker := newProviderBreaker(cfg)

	for i := 0; i < 5; i++ {
		breaker.Execute(func() (any, error) { return nil, errors.New("fail") })
	}

	if breaker.State() != gobreaker.StateOpen {
		t.Errorf("expected StateOpen, got %v", breaker.State())
	}
	if len(stateChanges) == 0 || stateChanges[len(stateChanges)-1] != gobreaker.StateOpen {
		t.Errorf("expected state change to Open, got %v", stateChanges)
	}
}

func TestProviderBreakerStaysClosedOnSuccess(t *testing.T) {
	cfg := DefaultBreakerConfig("vertex")
	cfg.MinRequests = 3
	cfg.FailureThreshold = 5

	breaker := newProviderBreaker(cfg)

	for i := 0; i < 10; i++ {
		breaker.Execute(func() (any, error) { return "ok", nil })
	}

	if breaker.State() != gobreaker.StateClosed {
		t.Errorf("expected StateClosed, got %v", breaker.State())
	}
}

func TestProviderBreakerHalfOpenAfterTimeout(t *testing.T) {
	cfg := DefaultBreakerConfig("gemini")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 2
	cfg.Timeout = 50 * time.Millisecond

	breaker := newProviderBreaker(cfg)

	for i := 0; i < 3; i++ {
		breaker.Execute(func() (any, error) { return nil, errors.New("fail") })
	}
	if breaker.State() != gobreaker.StateOpen {
		t.Fatalf("expected StateOpen, got %v", breaker.State())
	}

	time.Sleep(60 * time.Millisecond)

	if breaker.State() != gobreaker.StateHalfOpen {
		t.Errorf("expected StateHalfOpen after timeout, got %v", breaker.State())
	}
}

func TestProviderBreakerCounts(t *testing.T) {
	breaker := newProviderBreaker(DefaultBreakerConfig("gemini"))

	breaker.Execute(func() (any, error) { return "ok", nil })
	breaker.Execute(func() (any, error) { return nil, errors.New("fail") })
	breaker.Execute(func() (any, error) { return "ok", nil })

	counts := breaker.Counts()
	if counts.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("expected 1 failure, got %d", counts.TotalFailures)
	}
}

func TestIsProviderSuccess(t *testing.T) {
	if !isProviderSuccess(nil) {
		t.Error("nil error should count as success")
	}

	userErr := &apierr.Error{Category: apierr.CategoryUserError}
	if !isProviderSuccess(userErr) {
		t.Error("a user error should not trip the provider's breaker")
	}

	rateLimitErr := &apierr.Error{Category: apierr.CategoryRateLimit}
	if isProviderSuccess(rateLimitErr) {
		t.Error("a rate-limit error should count as a breaker failure")
	}

	if isProviderSuccess(errors.New("opaque transport failure")) {
		t.Error("an unclassified error should count as a breaker failure")
	}
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	retryCfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	exec := NewExecutor[string](retryCfg, nil)

	attempts := 0
	got, err := exec.Execute(context.Background(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected %q, got %q", "ok", got)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecutorOpensBreakerAcrossAttempts(t *testing.T) {
	breakerCfg := DefaultBreakerConfig("gemini")
	breakerCfg.MinRequests = 1
	breakerCfg.FailureThreshold = 1
	retryCfg := RetryConfig{MaxRetries: 0}
	exec := NewExecutor[string](retryCfg, &breakerCfg)

	_, err := exec.Execute(context.Background(), func() (string, error) {
		return "", &apierr.Error{Category: apierr.CategoryTransient}
	})
	if err == nil {
		t.Fatal("expected first call to fail")
	}

	_, err = exec.Execute(context.Background(), func() (string, error) {
		t.Fatal("breaker should have prevented this call")
		return "", nil
	})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState once breaker trips, got %v", err)
	}
}
