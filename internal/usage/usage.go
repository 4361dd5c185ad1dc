// Package usage meters request volume and token cost per provider and
// credential, independent of the selection core's own TokenBucket (which
// only needs to know "was this credential consumed", not "how much did it
// cost"). It exists so an operator can answer "which credential burned my
// quota" after the fact, something spec.md's core deliberately leaves out.
package usage

import (
	"context"
	"sync/atomic"
	"time"
)

// Record is one request's outcome, enqueued by internal/upstream.Gateway
// after every Execute/ExecuteStream call.
type Record struct {
	Provider     string
	CredentialID int
	Model        string
	EstimatedCost float64
	Success      bool
	Timestamp    time.Time
}

// ProviderStats aggregates Records for one provider since a given time.
type ProviderStats struct {
	Provider      string
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	TotalCost     float64
}

// CredentialStats aggregates Records for one (provider, credential) pair.
type CredentialStats struct {
	Provider      string
	CredentialID  int
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	TotalCost     float64
}

// Backend is the persistence contract for usage records. Implementations
// must be safe for concurrent use; Enqueue must never block the request
// path waiting on storage.
type Backend interface {
	Enqueue(rec Record)
	Flush(ctx context.Context) error
	QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error)
	QueryCredentialStats(ctx context.Context, since time.Time) ([]CredentialStats, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
	Start() error
	Stop() error
}

// Counters are lock-free, in-process running totals for a live dashboard;
// Backend remains the source of truth for anything historical or
// dimensioned by provider/credential.
type Counters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
}

func NewCounters() *Counters { return &Counters{} }

func (c *Counters) Record(success bool) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if success {
		c.successCount.Add(1)
	} else {
		c.failureCount.Add(1)
	}
}

// CounterSnapshot is an immutable point-in-time view of Counters.
type CounterSnapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
	}
}
