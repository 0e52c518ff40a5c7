package limit

import (
	"cmp"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Tracker maintains session state across polling ticks.
// It is not safe for concurrent use; the poll loop owns it and publishes
// read-only copies for everyone else.
type Tracker struct {
	interval time.Duration
	tick     uint64
	sessions map[PeerKey]map[string]*Session
}

func NewTracker(interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Tracker{
		interval: interval,
		sessions: map[PeerKey]map[string]*Session{},
	}
}

// Tick returns the current value of the monotonic tick counter.
func (t *Tracker) Tick() uint64 { return t.tick }

// Interval returns the polling interval the tracker was built with.
func (t *Tracker) Interval() time.Duration { return t.interval }

// Advance merges one tick's observations into the session table.
// Peers absent from obs drift through GRACE to EXPIRED on their natural
// schedule, which is exactly what a failed status query should cause: call
// Advance with an empty map for that tick.
func (t *Tracker) Advance(obs map[PeerKey][]Observation, settingsFor func(PeerKey) Settings) {
	t.tick++

	// Purge sessions that have been EXPIRED for a full tick.
	for key, sessions := range t.sessions {
		for endpoint, s := range sessions {
			if s.State == StateExpired && t.tick > s.expiredTick {
				zap.S().Debugf("limit: %s/%s: purging expired session %s", key.Interface, key.PublicKey, endpoint)
				delete(sessions, endpoint)
			}
		}
		if len(sessions) == 0 {
			delete(t.sessions, key)
		}
	}

	// Merge this tick's observations.
	observed := map[PeerKey]map[string]bool{}
	for key, peerObs := range obs {
		settings := settingsFor(key)
		seen := map[string]bool{}
		observed[key] = seen
		for _, o := range peerObs {
			if o.Endpoint == "" {
				continue
			}
			if !t.fresh(o, settings) {
				// A stale observation neither creates a session nor counts as
				// a qualifying one; the session (if any) heads for GRACE below.
				continue
			}
			seen[o.Endpoint] = true
			sessions := t.sessions[key]
			if sessions == nil {
				sessions = map[string]*Session{}
				t.sessions[key] = sessions
			}
			if s, ok := sessions[o.Endpoint]; ok {
				if s.State != StateActive {
					zap.S().Debugf("limit: %s/%s: session %s back to ACTIVE", key.Interface, key.PublicKey, o.Endpoint)
				}
				s.State = StateActive
				s.graceStartTick = 0
				s.LastSeenTick = t.tick
				s.LastHandshakeAge = o.HandshakeAge
				s.RxBytes = o.RxBytes
				s.TxBytes = o.TxBytes
			} else {
				zap.S().Debugf("limit: %s/%s: new session %s", key.Interface, key.PublicKey, o.Endpoint)
				sessions[o.Endpoint] = &Session{
					Endpoint:         o.Endpoint,
					State:            StateActive,
					FirstSeenTick:    t.tick,
					LastSeenTick:     t.tick,
					LastHandshakeAge: o.HandshakeAge,
					RxBytes:          o.RxBytes,
					TxBytes:          o.TxBytes,
					RxBaseline:       o.RxBytes,
					TxBaseline:       o.TxBytes,
				}
			}
		}
	}

	// Sessions without a qualifying observation this tick drift toward
	// GRACE and then EXPIRED.
	for key, sessions := range t.sessions {
		settings := settingsFor(key)
		graceTicks := t.durationTicks(time.Duration(settings.GraceSeconds) * time.Second)
		for endpoint, s := range sessions {
			if observed[key][endpoint] || s.State == StateExpired {
				continue
			}
			if s.State == StateActive {
				s.State = StateGrace
				s.graceStartTick = t.tick
				zap.S().Debugf("limit: %s/%s: session %s entering GRACE", key.Interface, key.PublicKey, endpoint)
			}
			if s.State == StateGrace && t.tick-s.graceStartTick >= graceTicks {
				s.State = StateExpired
				s.expiredTick = t.tick
				zap.S().Debugf("limit: %s/%s: session %s EXPIRED", key.Interface, key.PublicKey, endpoint)
			}
		}
	}
}

// fresh reports whether the observation's handshake qualifies under the TTL.
func (t *Tracker) fresh(o Observation, settings Settings) bool {
	ttl := time.Duration(settings.TTLSeconds) * time.Second
	return o.HasHandshake && o.HandshakeAge >= 0 && o.HandshakeAge < ttl
}

// durationTicks converts a duration to whole ticks, rounding up.
func (t *Tracker) durationTicks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	n := (d + t.interval - 1) / t.interval
	return uint64(n)
}

// Peers returns the keys of all peers with at least one session, sorted.
func (t *Tracker) Peers() []PeerKey {
	keys := make([]PeerKey, 0, len(t.sessions))
	for key := range t.sessions {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b PeerKey) int {
		if c := cmp.Compare(a.Interface, b.Interface); c != 0 {
			return c
		}
		return cmp.Compare(a.PublicKey, b.PublicKey)
	})
	return keys
}

// Sessions returns copies of the peer's sessions ordered by first
// observation, breaking ties by endpoint so output is reproducible.
func (t *Tracker) Sessions(key PeerKey) []Session {
	sessions := t.sessions[key]
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *s)
	}
	slices.SortFunc(out, sessionOrder)
	return out
}

func sessionOrder(a, b Session) int {
	if c := cmp.Compare(a.FirstSeenTick, b.FirstSeenTick); c != 0 {
		return c
	}
	return cmp.Compare(a.Endpoint, b.Endpoint)
}
