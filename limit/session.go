package limit

import "time"

// State is the lifecycle state of a session.
type State int

const (
	// StateActive means the most recent observation's handshake age was
	// within the TTL window.
	StateActive State = iota
	// StateGrace means the endpoint disappeared from observation or its
	// handshake went stale; the session keeps its admitted status for up to
	// the grace window.
	StateGrace
	// StateExpired means the grace window elapsed with no qualifying
	// observation. Expired sessions are bookkeeping only and are purged one
	// tick later.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateGrace:
		return "GRACE"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// PeerKey identifies one cryptographic peer on one interface.
type PeerKey struct {
	Interface string
	PublicKey string
}

// Session is the persistent record of one (peer, endpoint) pair.
// At most one session exists per pair at a time. All times are expressed in
// ticks of the tracker's monotonic counter; wall-clock adjustments cannot
// corrupt the lifecycle.
type Session struct {
	Endpoint string
	State    State

	FirstSeenTick uint64
	LastSeenTick  uint64

	// LastHandshakeAge is the handshake age at the last observation.
	LastHandshakeAge time.Duration

	// Cumulative counters at the last observation, and the values at session
	// creation for delta computation.
	RxBytes    int64
	TxBytes    int64
	RxBaseline int64
	TxBaseline int64

	graceStartTick uint64
	expiredTick    uint64
}

// RxDelta returns bytes received since the session was first observed.
func (s Session) RxDelta() int64 {
	if d := s.RxBytes - s.RxBaseline; d > 0 {
		return d
	}
	return 0
}

// TxDelta returns bytes sent since the session was first observed.
func (s Session) TxDelta() int64 {
	if d := s.TxBytes - s.TxBaseline; d > 0 {
		return d
	}
	return 0
}

// Observation is one tick's view of one endpoint. Handshake age below the
// peer's TTL qualifies the endpoint as live.
type Observation struct {
	Endpoint     string
	HandshakeAge time.Duration
	// HasHandshake is false if the peer has never completed a handshake on
	// this endpoint.
	HasHandshake bool
	RxBytes      int64
	TxBytes      int64
}
