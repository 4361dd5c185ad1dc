package selector

// Credential is the unit of selection: a single authenticated account on a
// provider. The selection core reads a credential's identity and quota
// fields but never mutates them — activation, invalidation, and the quota
// payload itself are the storage/collaborator layer's responsibility.
type Credential struct {
	ID        int
	IsActive  bool
	IsInvalid bool

	// Quota holds the provider-reported quota payload as an ordered list of
	// (key, remainingFraction) pairs. Order is preserved from however the
	// collaborator constructed it (insertion order), which is what makes
	// the family-substring match in QuotaTracker.Resolve deterministic per
	// spec.md's open question on iteration order. A Key of "default"
	// (if present) is only consulted after exact and substring matches
	// fail.
	Quota []QuotaEntry

	// QuotaLimit/QuotaUsed are the fallback derived-fraction representation
	// for providers that report an absolute used/limit pair instead of a
	// per-model fraction map.
	QuotaLimit float64
	QuotaUsed  float64
}

// QuotaEntry is one (model-or-family key, remaining fraction) pair from a
// credential's quota payload.
type QuotaEntry struct {
	Key               string
	RemainingFraction float64
}

// IsUsable reports whether a credential may be considered for selection at
// all, independent of health/tokens/quota.
func (c *Credential) IsUsable() bool {
	if c == nil {
		return false
	}
	return c.IsActive && !c.IsInvalid
}
