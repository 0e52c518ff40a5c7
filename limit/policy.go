package limit

import (
	"cmp"
	"slices"
)

// SessionStatus is the policy engine's verdict on one session.
type SessionStatus string

const (
	// StatusAdmitted means the session's endpoint is in the allowed set.
	StatusAdmitted SessionStatus = "admitted"
	// StatusAwaitingSlot marks a newer session held back under old_wins
	// until an older session expires.
	StatusAwaitingSlot SessionStatus = "awaiting_slot"
	// StatusDisplaced marks an older session evicted under new_wins; its
	// firewall rule is withdrawn on the tick it is displaced.
	StatusDisplaced SessionStatus = "displaced"
)

// Plan is the outcome of evaluating one peer's sessions against its limit.
// Allowed holds the sessions whose endpoints may pass traffic, ordered by
// first observation.
type Plan struct {
	Allowed   []Session
	Awaiting  []Session
	Displaced []Session
}

// AllowedEndpoints returns the endpoints of the allowed sessions, in order.
func (p Plan) AllowedEndpoints() []string {
	out := make([]string, len(p.Allowed))
	for i, s := range p.Allowed {
		out[i] = s.Endpoint
	}
	return out
}

// Evaluate decides which of a peer's sessions are allowed. Expired sessions
// are never admitted. The decision is a pure function of the sessions and
// settings, so the allowed set is reconstructible after a restart.
func Evaluate(sessions []Session, settings Settings) Plan {
	candidates := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if s.State != StateExpired {
			candidates = append(candidates, s)
		}
	}
	slices.SortFunc(candidates, sessionOrder)

	max := settings.MaxConcurrent
	if max == 0 || len(candidates) <= max {
		return Plan{Allowed: candidates}
	}

	switch settings.Policy {
	case PolicyOldWins:
		return Plan{
			Allowed:  candidates[:max],
			Awaiting: candidates[max:],
		}
	default: // PolicyNewWins
		// Most recently first seen wins; ties break by endpoint order so the
		// outcome is deterministic.
		byNewest := slices.Clone(candidates)
		slices.SortFunc(byNewest, func(a, b Session) int {
			if c := cmp.Compare(b.FirstSeenTick, a.FirstSeenTick); c != 0 {
				return c
			}
			return cmp.Compare(a.Endpoint, b.Endpoint)
		})
		allowed := byNewest[:max]
		displaced := byNewest[max:]
		slices.SortFunc(allowed, sessionOrder)
		slices.SortFunc(displaced, sessionOrder)
		return Plan{Allowed: allowed, Displaced: displaced}
	}
}
