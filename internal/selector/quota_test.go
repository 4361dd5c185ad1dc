package selector

import "testing"

func TestQuotaTrackerExactMatch(t *testing.T) {
	q := NewQuotaTracker(0.10, 0.05)
	cred := &Credential{Quota: []QuotaEntry{
		{Key: "claude-3-opus", RemainingFraction: 0.8},
		{Key: "claude-3-haiku", RemainingFraction: 0.2},
	}}
	r := q.Resolve(cred, "claude-3-opus")
	if r.Fraction == nil || *r.Fraction != 0.8 {
		t.Fatalf("Resolve = %+v, want exact 0.8", r)
	}
	if r.Status != QuotaHealthy {
		t.Fatalf("status = %v, want healthy", r.Status)
	}
}

func TestQuotaTrackerFamilySubstringMatch(t *testing.T) {
	q := NewQuotaTracker(0.10, 0.05)
	cred := &Credential{Quota: []QuotaEntry{
		{Key: "claude", RemainingFraction: 0.5},
		{Key: "gpt", RemainingFraction: 0.9},
	}}
	r := q.Resolve(cred, "claude-3-5-sonnet-20241022")
	if r.Fraction == nil || *r.Fraction != 0.5 {
		t.Fatalf("Resolve = %+v, want family match 0.5", r)
	}
}

func TestQuotaTrackerFamilyMatchIsDeterministicByInsertionOrder(t *testing.T) {
	q := NewQuotaTracker(0.10, 0.05)
	// Two family keys both match "claude-3-opus"; insertion order decides.
	cred := &Credential{Quota: []QuotaEntry{
		{Key: "opus", RemainingFraction: 0.1},
		{Key: "claude", RemainingFraction: 0.9},
	}}
	r := q.Resolve(cred, "claude-3-opus")
	if r.Fraction == nil || *r.Fraction != 0.1 {
		t.Fatalf("Resolve = %+v, want first-inserted match 0.1", r)
	}
}

func TestQuotaTrackerDefaultKey(t *testing.T) {
	q := NewQuotaTracker(0.10, 0.05)
	cred := &Credential{Quota: []QuotaEntry{
		{Key: "default", RemainingFraction: 0.4},
	}}
	r := q.Resolve(cred, "some-unlisted-model")
	if r.Fraction == nil || *r.Fraction != 0.4 {
		t.Fatalf("Resolve = %+v, want default 0.4", r)
	}
}

func TestQuotaTrackerDerivedFromLimitUsed(t *testing.T) {
	q := NewQuotaTracker(0.10, 0.05)
	cred := &Credential{QuotaLimit: 100, QuotaUsed: 97}
	r := q.Resolve(cred, "any-model")
	if r.Fraction == nil || *r.Fraction != 0.03 {
		t.Fatalf("Resolve = %+v, want derived 0.03", r)
	}
	if r.Status != QuotaCritical {
		t.Fatalf("status = %v, want critical", r.Status)
	}
}

func TestQuotaTrackerUnknownWhenNothingResolves(t *testing.T) {
	q := NewQuotaTracker(0.10, 0.05)
	cred := &Credential{}
	r := q.Resolve(cred, "any-model")
	if r.Fraction != nil {
		t.Fatalf("Fraction = %v, want nil", r.Fraction)
	}
	if r.Status != QuotaUnknown {
		t.Fatalf("status = %v, want unknown", r.Status)
	}
	if r.Score() != unknownQuotaScore {
		t.Fatalf("Score() = %v, want %v", r.Score(), unknownQuotaScore)
	}
}

func TestQuotaTrackerStatusBoundaries(t *testing.T) {
	q := NewQuotaTracker(0.10, 0.05)
	cases := []struct {
		fraction float64
		want     QuotaStatus
	}{
		{0.03, QuotaCritical},
		{0.05, QuotaCritical},
		{0.051, QuotaLow},
		{0.10, QuotaLow},
		{0.11, QuotaHealthy},
		{1.0, QuotaHealthy},
	}
	for _, c := range cases {
		cred := &Credential{Quota: []QuotaEntry{{Key: "default", RemainingFraction: c.fraction}}}
		r := q.Resolve(cred, "m")
		if r.Status != c.want {
			t.Errorf("fraction %v: status = %v, want %v", c.fraction, r.Status, c.want)
		}
	}
}
