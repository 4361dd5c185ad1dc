package usage

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend, for single-instance
// deployments that don't want usage history to survive a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Enqueue(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
}

func (b *MemoryBackend) Flush(context.Context) error { return nil }

func (b *MemoryBackend) QueryProviderStats(_ context.Context, since time.Time) ([]ProviderStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byProvider := make(map[string]*ProviderStats)
	for _, rec := range b.records {
		if rec.Timestamp.Before(since) {
			continue
		}
		stats, ok := byProvider[rec.Provider]
		if !ok {
			stats = &ProviderStats{Provider: rec.Provider}
			byProvider[rec.Provider] = stats
		}
		stats.TotalRequests++
		stats.TotalCost += rec.EstimatedCost
		if rec.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}

	out := make([]ProviderStats, 0, len(byProvider))
	for _, s := range byProvider {
		out = append(out, *s)
	}
	return out, nil
}

func (b *MemoryBackend) QueryCredentialStats(_ context.Context, since time.Time) ([]CredentialStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	type credKey struct {
		provider string
		id       int
	}
	byCred := make(map[credKey]*CredentialStats)
	for _, rec := range b.records {
		if rec.Timestamp.Before(since) {
			continue
		}
		k := credKey{rec.Provider, rec.CredentialID}
		stats, ok := byCred[k]
		if !ok {
			stats = &CredentialStats{Provider: rec.Provider, CredentialID: rec.CredentialID}
			byCred[k] = stats
		}
		stats.TotalRequests++
		stats.TotalCost += rec.EstimatedCost
		if rec.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}

	out := make([]CredentialStats, 0, len(byCred))
	for _, s := range byCred {
		out = append(out, *s)
	}
	return out, nil
}

func (b *MemoryBackend) Cleanup(_ context.Context, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.records[:0]
	var removed int64
	for _, rec := range b.records {
		if rec.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	b.records = kept
	return removed, nil
}

func (b *MemoryBackend) Start() error { return nil }
func (b *MemoryBackend) Stop() error  { return nil }
