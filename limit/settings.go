// Package limit tracks per-peer endpoint sessions and decides which of them
// are allowed to pass traffic under each peer's concurrency limit.
package limit

import "fmt"

const (
	DefaultTTLSeconds   = 180
	DefaultGraceSeconds = 5
)

// Policy selects which sessions survive when a peer exceeds its limit.
type Policy string

const (
	// PolicyNewWins evicts the oldest sessions in favor of newer ones.
	PolicyNewWins Policy = "new_wins"
	// PolicyOldWins keeps the oldest sessions and holds newer ones back
	// until a slot frees up.
	PolicyOldWins Policy = "old_wins"
)

// ParsePolicy parses a policy name. An empty string means PolicyNewWins.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "":
		return PolicyNewWins, nil
	case string(PolicyNewWins):
		return PolicyNewWins, nil
	case string(PolicyOldWins):
		return PolicyOldWins, nil
	default:
		return "", fmt.Errorf("unsupported peer limit policy: %q", s)
	}
}

// Settings is the limit configuration for one peer.
type Settings struct {
	// MaxConcurrent is the maximum number of simultaneous endpoints.
	// 0 means unlimited.
	MaxConcurrent int `json:"maxConcurrent" yaml:"max_concurrent"`
	Policy        Policy `json:"policy" yaml:"policy"`
	// TTLSeconds is the handshake freshness window.
	TTLSeconds int `json:"ttlSeconds" yaml:"ttl_seconds"`
	// GraceSeconds is how long a session that stopped reporting fresh
	// handshakes is still treated as allowed.
	GraceSeconds int `json:"graceSeconds" yaml:"grace_seconds"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxConcurrent: 0,
		Policy:        PolicyNewWins,
		TTLSeconds:    DefaultTTLSeconds,
		GraceSeconds:  DefaultGraceSeconds,
	}
}

// Validate checks the settings for use. It never mutates.
func (s Settings) Validate() error {
	if s.MaxConcurrent < 0 {
		return fmt.Errorf("maxConcurrent must not be negative: %d", s.MaxConcurrent)
	}
	if _, err := ParsePolicy(string(s.Policy)); err != nil {
		return err
	}
	if s.TTLSeconds < 1 {
		return fmt.Errorf("ttlSeconds must be at least 1: %d", s.TTLSeconds)
	}
	if s.GraceSeconds < 0 {
		return fmt.Errorf("graceSeconds must not be negative: %d", s.GraceSeconds)
	}
	return nil
}

// Normalized returns s with an empty policy defaulted and zero TTL/grace
// replaced by defaults, for settings read from external storage.
func (s Settings) Normalized() Settings {
	if s.Policy == "" {
		s.Policy = PolicyNewWins
	}
	if s.TTLSeconds == 0 {
		s.TTLSeconds = DefaultTTLSeconds
	}
	if s.MaxConcurrent < 0 {
		s.MaxConcurrent = 0
	}
	return s
}
