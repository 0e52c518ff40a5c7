// Package fw converts allowed-endpoint sets into kernel firewall state.
// One backend is selected at startup: nftables (native netlink) when the
// kernel supports it, otherwise iptables with a dynamic ipset.
package fw

import (
	"context"
	"net/netip"
)

// Plan is the desired enforcement state for one WireGuard interface: the
// exact set of source (address, port) tuples allowed to reach its listen
// port. Everything else hitting that port is dropped.
type Plan struct {
	ListenPort uint16
	Allowed    map[netip.AddrPort]struct{}
}

// Backend installs allowed-endpoint rules into the kernel.
// Implementations must be idempotent per element: adding a present element
// or removing an absent one is not an error.
type Backend interface {
	Name() string
	// EnsureInterface sets up the per-interface scaffolding (sets, chains,
	// drop rules) keyed to the interface's listen port. Idempotent.
	EnsureInterface(ctx context.Context, iface string, listenPort uint16) error
	// AddElements inserts endpoints into the interface's allowed set.
	AddElements(ctx context.Context, iface string, endpoints []netip.AddrPort) error
	// RemoveElements removes endpoints from the interface's allowed set.
	RemoveElements(ctx context.Context, iface string, endpoints []netip.AddrPort) error
	// Teardown removes all limiter state from the kernel.
	Teardown(ctx context.Context) error
}

// ParseEndpoint parses an endpoint string as printed by wg(8) into an
// address/port tuple. Accepts both 1.2.3.4:51820 and [2001:db8::1]:51820.
func ParseEndpoint(endpoint string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(endpoint)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
