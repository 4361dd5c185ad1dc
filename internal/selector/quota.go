package selector

import (
	"math"
	"strings"
)

// QuotaStatus is the categorical classification of a resolved quota
// fraction, per spec.md §4.3.
type QuotaStatus string

const (
	QuotaHealthy  QuotaStatus = "healthy"
	QuotaLow      QuotaStatus = "low"
	QuotaCritical QuotaStatus = "critical"
	QuotaUnknown  QuotaStatus = "unknown"
)

// defaultQuotaKey is the catch-all entry a credential's quota payload may
// carry when a provider reports one shared fraction across every model.
const defaultQuotaKey = "default"

// unknownQuotaScore is the ranking score substituted when a fraction
// cannot be resolved at all — unknown is treated as healthy for admission
// but scored at the midpoint for ranking, per spec.md §4.3.
const unknownQuotaScore = 50

// QuotaResult is the outcome of resolving a credential's remaining quota
// fraction for a specific model.
type QuotaResult struct {
	// Fraction is nil when the fraction is unknown (null per spec.md).
	Fraction *float64
	Status   QuotaStatus
}

// Score returns the [0,100] ranking score for Hybrid's weighted sum:
// round(fraction*100), or the fixed unknown score when Fraction is nil.
func (r QuotaResult) Score() float64 {
	if r.Fraction == nil {
		return unknownQuotaScore
	}
	return math.Round(*r.Fraction * 100)
}

// QuotaTracker resolves a credential's remaining-quota fraction for a
// given model key and classifies it. It holds no state of its own — the
// quota payload lives on the Credential as reported by the upstream
// collaborator — so it is safe for concurrent use and cheap to construct
// per call.
type QuotaTracker struct {
	lowThreshold      float64
	criticalThreshold float64
}

func NewQuotaTracker(lowThreshold, criticalThreshold float64) *QuotaTracker {
	if lowThreshold <= 0 {
		lowThreshold = 0.10
	}
	if criticalThreshold <= 0 {
		criticalThreshold = 0.05
	}
	return &QuotaTracker{lowThreshold: lowThreshold, criticalThreshold: criticalThreshold}
}

// Resolve walks the priority chain from spec.md §4.3:
//  1. exact key match against modelKey
//  2. substring family match — the first quota entry whose key is a
//     substring of modelKey, in the credential's reported (insertion)
//     order; this is the open question spec.md §9 leaves to
//     implementations to pin down deterministically
//  3. a "default" entry, if the credential reports one
//  4. a fraction derived from QuotaLimit/QuotaUsed
//  5. unknown
func (q *QuotaTracker) Resolve(cred *Credential, modelKey string) QuotaResult {
	if cred == nil {
		return q.classify(nil)
	}

	for _, entry := range cred.Quota {
		if entry.Key == modelKey {
			f := clampFraction(entry.RemainingFraction)
			return q.classify(&f)
		}
	}

	if modelKey != "" {
		for _, entry := range cred.Quota {
			if entry.Key == "" || entry.Key == defaultQuotaKey {
				continue
			}
			if strings.Contains(modelKey, entry.Key) {
				f := clampFraction(entry.RemainingFraction)
				return q.classify(&f)
			}
		}
	}

	for _, entry := range cred.Quota {
		if entry.Key == defaultQuotaKey {
			f := clampFraction(entry.RemainingFraction)
			return q.classify(&f)
		}
	}

	if cred.QuotaLimit > 0 {
		derived := clampFraction((cred.QuotaLimit - cred.QuotaUsed) / cred.QuotaLimit)
		return q.classify(&derived)
	}

	return q.classify(nil)
}

// classify maps a (possibly nil) fraction to a QuotaStatus using the
// tracker's thresholds. nil (unknown) is treated as healthy for admission
// per spec.md §4.3's status mapping.
func (q *QuotaTracker) classify(fraction *float64) QuotaResult {
	if fraction == nil {
		return QuotaResult{Fraction: nil, Status: QuotaUnknown}
	}
	f := *fraction
	switch {
	case f <= q.criticalThreshold:
		return QuotaResult{Fraction: fraction, Status: QuotaCritical}
	case f <= q.lowThreshold:
		return QuotaResult{Fraction: fraction, Status: QuotaLow}
	default:
		return QuotaResult{Fraction: fraction, Status: QuotaHealthy}
	}
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
