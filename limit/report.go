package limit

import "time"

// SessionReport is one session as exposed on the control surface.
type SessionReport struct {
	Endpoint            string        `json:"endpoint"`
	State               string        `json:"state"`
	Status              SessionStatus `json:"status"`
	HandshakeAgeSeconds int64         `json:"handshakeAgeSeconds"`
	FirstSeenTick       uint64        `json:"firstSeenTick"`
	LastSeenTick        uint64        `json:"lastSeenTick"`
	RxBytes             int64         `json:"rxBytes"`
	TxBytes             int64         `json:"txBytes"`
	RxDelta             int64         `json:"rxDelta"`
	TxDelta             int64         `json:"txDelta"`
}

// PeerReport is one peer's limiter state as exposed on the control surface.
type PeerReport struct {
	Interface      string          `json:"interface"`
	PublicKey      string          `json:"publicKey"`
	Settings       Settings        `json:"settings"`
	ActiveSessions int             `json:"activeSessions"`
	OverLimit      bool            `json:"overLimit"`
	Sessions       []SessionReport `json:"sessions"`
}

// Report is a complete limiter snapshot published once per tick.
type Report struct {
	Tick        uint64       `json:"tick"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Peers       []PeerReport `json:"peers"`
}

// Peer returns the report for the given peer, if present.
func (r Report) Peer(iface, publicKey string) (PeerReport, bool) {
	for _, p := range r.Peers {
		if p.Interface == iface && p.PublicKey == publicKey {
			return p, true
		}
	}
	return PeerReport{}, false
}

// BuildPeerReport projects a peer's sessions and plan into report form.
// Handshake ages are aged forward for sessions not observed this tick.
func BuildPeerReport(key PeerKey, settings Settings, sessions []Session, plan Plan, tick uint64, interval time.Duration) PeerReport {
	status := map[string]SessionStatus{}
	for _, s := range plan.Allowed {
		status[s.Endpoint] = StatusAdmitted
	}
	for _, s := range plan.Awaiting {
		status[s.Endpoint] = StatusAwaitingSlot
	}
	for _, s := range plan.Displaced {
		status[s.Endpoint] = StatusDisplaced
	}
	live := len(plan.Allowed) + len(plan.Awaiting) + len(plan.Displaced)
	report := PeerReport{
		Interface:      key.Interface,
		PublicKey:      key.PublicKey,
		Settings:       settings,
		ActiveSessions: len(plan.Allowed),
		OverLimit:      settings.MaxConcurrent != 0 && live > settings.MaxConcurrent,
		Sessions:       make([]SessionReport, 0, len(sessions)),
	}
	for _, s := range sessions {
		age := s.LastHandshakeAge
		if tick > s.LastSeenTick {
			age += time.Duration(tick-s.LastSeenTick) * interval
		}
		report.Sessions = append(report.Sessions, SessionReport{
			Endpoint:            s.Endpoint,
			State:               s.State.String(),
			Status:              status[s.Endpoint],
			HandshakeAgeSeconds: int64(age / time.Second),
			FirstSeenTick:       s.FirstSeenTick,
			LastSeenTick:        s.LastSeenTick,
			RxBytes:             s.RxBytes,
			TxBytes:             s.TxBytes,
			RxDelta:             s.RxDelta(),
			TxDelta:             s.TxDelta(),
		})
	}
	return report
}
