package status

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DumpSource collects tunnel state by running `wg show all dump` and parsing
// its tab-separated output. It is the fallback for systems where the
// WireGuard netlink interface is not reachable.
type DumpSource struct {
	// Path to the wg binary.
	Path string
}

var _ Source = (*DumpSource)(nil)

func (d *DumpSource) Collect(ctx context.Context) (Snapshot, error) {
	out, err := exec.CommandContext(ctx, d.Path, "show", "all", "dump").Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return Snapshot{}, fmt.Errorf("wg show all dump: %s: %s", ee, strings.TrimSpace(string(ee.Stderr)))
		}
		return Snapshot{}, fmt.Errorf("wg show all dump: %w", err)
	}
	return ParseDump(string(out), time.Now()), nil
}

func (d *DumpSource) Close() error { return nil }

// ParseDump parses `wg show all dump` output.
// Interface lines have 5 fields, peer lines 9 (the first being the interface
// name in both cases). Lines that do not match either shape are skipped;
// garbled output never aborts the snapshot.
func ParseDump(out string, now time.Time) Snapshot {
	snap := Snapshot{TakenAt: now, Interfaces: map[string]Interface{}}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		switch {
		case len(parts) == 5:
			// iface, private key, public key, listen port, fwmark
			iface := Interface{Name: parts[0]}
			iface.ListenPort, _ = strconv.Atoi(parts[3])
			snap.Interfaces[parts[0]] = iface
		case len(parts) >= 9:
			// iface, public key, preshared key, endpoint, allowed ips,
			// latest handshake, rx, tx, keepalive
			iface, ok := snap.Interfaces[parts[0]]
			if !ok {
				zap.S().Debugf("dump: peer line for unknown interface %q", parts[0])
				continue
			}
			peer := Peer{PublicKey: parts[1], Endpoint: parts[3]}
			if ts, err := strconv.ParseInt(parts[5], 10, 64); err == nil && ts > 0 {
				peer.LatestHandshake = time.Unix(ts, 0)
			}
			peer.RxBytes, _ = strconv.ParseInt(parts[6], 10, 64)
			peer.TxBytes, _ = strconv.ParseInt(parts[7], 10, 64)
			iface.Peers = append(iface.Peers, peer)
			snap.Interfaces[parts[0]] = iface
		default:
			zap.S().Debugf("dump: skipping malformed line with %d fields", len(parts))
		}
	}
	return snap
}
