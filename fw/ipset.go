package fw

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// runCommand runs a command and returns an error including its output on
// failure. Swapped out in tests.
type runCommand func(ctx context.Context, name string, args ...string) error

func execRun(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// IpsetBackend is the legacy fallback: an ipset of allowed (address, port)
// tuples per interface, consulted by a single iptables DROP rule on INPUT.
// IPv4 only; IPv6 endpoints are reported but not enforced on this backend.
type IpsetBackend struct {
	run        runCommand
	ready      map[string]uint16
	warnedIPv6 map[string]bool
	// flushed marks interfaces whose leftover set elements from a previous
	// run have been cleared this process.
	flushed map[string]bool
}

var _ Backend = (*IpsetBackend)(nil)

func NewIpsetBackend() *IpsetBackend {
	return &IpsetBackend{
		run:        execRun,
		ready:      map[string]uint16{},
		warnedIPv6: map[string]bool{},
		flushed:    map[string]bool{},
	}
}

func (b *IpsetBackend) Name() string { return "iptables+ipset" }

func setName(iface string) string { return "wglimit_" + iface + "_allowed" }

func dropRuleArgs(iface string, listenPort uint16) []string {
	return []string{
		"INPUT", "-p", "udp", "--dport", fmt.Sprint(listenPort),
		"-m", "set", "!", "--match-set", setName(iface), "src,src",
		"-j", "DROP",
	}
}

func (b *IpsetBackend) EnsureInterface(ctx context.Context, iface string, listenPort uint16) error {
	if port, ok := b.ready[iface]; ok {
		if port == listenPort {
			return nil
		}
		// The DROP rule embeds the old port; replace it.
		zap.S().Infof("fw: %s: listen port changed %d -> %d, replacing drop rule", iface, port, listenPort)
		if err := b.run(ctx, "iptables", append([]string{"-D"}, dropRuleArgs(iface, port)...)...); err != nil {
			return fmt.Errorf("removing stale drop rule: %w", err)
		}
		delete(b.ready, iface)
	}
	if err := b.run(ctx, "ipset", "create", "-exist", setName(iface), "hash:ip,port", "family", "inet"); err != nil {
		return fmt.Errorf("creating ipset: %w", err)
	}
	if !b.flushed[iface] {
		// Elements left by a previous run are invisible to the
		// synchronizer's fresh ledger and would stay allowed forever.
		if err := b.run(ctx, "ipset", "flush", setName(iface)); err != nil {
			return fmt.Errorf("flushing ipset: %w", err)
		}
		b.flushed[iface] = true
	}
	// -C fails if the rule is absent; only then insert it.
	if err := b.run(ctx, "iptables", append([]string{"-C"}, dropRuleArgs(iface, listenPort)...)...); err != nil {
		args := append([]string{"-I", "INPUT", "1"}, dropRuleArgs(iface, listenPort)[1:]...)
		if err := b.run(ctx, "iptables", args...); err != nil {
			return fmt.Errorf("inserting drop rule: %w", err)
		}
	}
	b.ready[iface] = listenPort
	return nil
}

func (b *IpsetBackend) AddElements(ctx context.Context, iface string, endpoints []netip.AddrPort) error {
	for _, ep := range endpoints {
		if !ep.Addr().Is4() {
			b.warnIPv6(iface)
			continue
		}
		if err := b.run(ctx, "ipset", "add", "-exist", setName(iface), element(ep)); err != nil {
			return fmt.Errorf("adding %s: %w", ep, err)
		}
	}
	return nil
}

func (b *IpsetBackend) RemoveElements(ctx context.Context, iface string, endpoints []netip.AddrPort) error {
	for _, ep := range endpoints {
		if !ep.Addr().Is4() {
			continue
		}
		if err := b.run(ctx, "ipset", "del", "-exist", setName(iface), element(ep)); err != nil {
			return fmt.Errorf("removing %s: %w", ep, err)
		}
	}
	return nil
}

func element(ep netip.AddrPort) string {
	// hash:ip,port defaults the protocol to TCP; WireGuard is UDP.
	return fmt.Sprintf("%s,udp:%d", ep.Addr(), ep.Port())
}

func (b *IpsetBackend) warnIPv6(iface string) {
	if b.warnedIPv6[iface] {
		return
	}
	b.warnedIPv6[iface] = true
	zap.S().Warnf("fw: %s: IPv6 endpoints are not enforced with the iptables backend", iface)
}

func (b *IpsetBackend) Teardown(ctx context.Context) error {
	var firstErr error
	for iface, port := range b.ready {
		if err := b.run(ctx, "iptables", append([]string{"-D"}, dropRuleArgs(iface, port)...)...); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.run(ctx, "ipset", "destroy", setName(iface)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.ready = map[string]uint16{}
	return firstErr
}
