// Package status reads live WireGuard tunnel state.
// A Source produces, on demand, a snapshot of every managed interface with
// its peers' current endpoint, handshake time, and traffic counters.
package status

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the state of all WireGuard interfaces at one point in time.
type Snapshot struct {
	TakenAt    time.Time
	Interfaces map[string]Interface
}

type Interface struct {
	Name       string
	ListenPort int
	Peers      []Peer
}

// Peer is one cryptographic peer as reported by the kernel.
// Endpoint is empty if the peer has never connected.
type Peer struct {
	PublicKey       string
	Endpoint        string
	LatestHandshake time.Time
	RxBytes         int64
	TxBytes         int64
}

// HandshakeAge returns the time since the peer's last completed handshake,
// or a negative duration if no handshake has completed.
func (p Peer) HandshakeAge(now time.Time) time.Duration {
	if p.LatestHandshake.IsZero() {
		return -1
	}
	return now.Sub(p.LatestHandshake)
}

// Source produces snapshots of tunnel state.
type Source interface {
	// Collect queries the kernel and returns a fresh snapshot.
	// The returned snapshot is owned by the caller.
	Collect(ctx context.Context) (Snapshot, error)
	Close() error
}

// SplitEndpoint splits an endpoint string as printed by wg(8) into its host
// and port. Returns ok=false for empty, "(none)", or malformed input.
func SplitEndpoint(endpoint string) (host string, port int, ok bool) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.EqualFold(endpoint, "(none)") {
		return "", 0, false
	}
	var portStr string
	if strings.HasPrefix(endpoint, "[") {
		var found bool
		host, portStr, found = strings.Cut(endpoint[1:], "]:")
		if !found {
			return "", 0, false
		}
	} else {
		i := strings.LastIndex(endpoint, ":")
		if i < 0 {
			return "", 0, false
		}
		host, portStr = endpoint[:i], endpoint[i+1:]
	}
	if host == "" || portStr == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}
