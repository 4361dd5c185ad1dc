package selector

import "context"

// SelectContext carries everything a Strategy needs to make one selection
// decision, mirroring the Selection API in spec.md §6.
type SelectContext struct {
	Provider string
	Model    string

	// SessionID and ConversationID are aliases; Sticky consults whichever
	// is set, preferring SessionID. Ignored by Hybrid and Round-Robin.
	SessionID      string
	ConversationID string

	ExcludeIDs []int
}

// sessionKey returns the effective session identifier for Sticky, or ""
// if neither SessionID nor ConversationID was set.
func (sc SelectContext) sessionKey() string {
	if sc.SessionID != "" {
		return sc.SessionID
	}
	return sc.ConversationID
}

func (sc SelectContext) excludes(id int) bool {
	for _, x := range sc.ExcludeIDs {
		if x == id {
			return true
		}
	}
	return false
}

// SelectResult is what a Strategy hands back for one selection. Credential
// is nil when the pool was exhausted under every fallback level — that is
// not an error, per spec.md §7, just a signal that the caller should
// surface an upstream-unavailable response.
type SelectResult struct {
	Credential *Credential
	WaitMs     int64

	// FallbackLevel is set by Hybrid (0-4).
	FallbackLevel *int
	// Sticky is set by StickyStrategy.
	Sticky *bool
	// Fallback and Index are set by RoundRobinStrategy.
	Fallback *bool
	Index    *int
}

// Strategy is the contract every selection algorithm implements, per
// spec.md §2 row 4 (Base Strategy Contract) and §6's Selection API. A
// Strategy is built once per provider by the Factory and cached by the
// Manager; it must be safe for concurrent use by many goroutines handling
// concurrent requests against the same provider.
type Strategy interface {
	Select(ctx context.Context, pool []*Credential, sc SelectContext) (SelectResult, error)

	OnSuccess(ctx context.Context, provider string, credentialID int) error
	OnFailure(ctx context.Context, provider string, credentialID int, errorKind string) error
	OnRateLimit(ctx context.Context, provider string, credentialID int, resetMs int64) error

	IsUsable(cred *Credential) bool

	// Name identifies the strategy for logging and the admin surface.
	Name() string

	// Destroy releases any background resources (timers, goroutines) the
	// strategy holds. Called once when the Manager evicts or replaces it.
	Destroy()
}

// isUsable applies the structural admission rule shared by every
// strategy: active, not invalid, and not explicitly excluded.
func isUsable(cred *Credential, sc SelectContext) bool {
	return cred.IsUsable() && !sc.excludes(cred.ID)
}

// admit filters pool by isUsable, relaxing the exclude list once if doing
// so would otherwise empty the pool, per spec.md §4.4's admission rule.
func admit(pool []*Credential, sc SelectContext) []*Credential {
	out := make([]*Credential, 0, len(pool))
	for _, c := range pool {
		if c.IsUsable() && !sc.excludes(c.ID) {
			out = append(out, c)
		}
	}
	if len(out) > 0 {
		return out
	}
	relaxed := make([]*Credential, 0, len(pool))
	for _, c := range pool {
		if c.IsUsable() {
			relaxed = append(relaxed, c)
		}
	}
	return relaxed
}
