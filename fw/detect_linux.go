//go:build linux

package fw

import (
	"errors"
	"os/exec"

	"github.com/google/nftables"
	"go.uber.org/zap"
)

// Detect probes for a usable firewall backend: nftables over netlink first,
// iptables plus ipset second. Returns an error if neither is usable; the
// daemon must not run unable to enforce.
func Detect() (Backend, error) {
	conn, err := nftables.New()
	if err == nil {
		if _, err := conn.ListTables(); err == nil {
			backend, err := NewNftBackend(conn)
			if err == nil {
				zap.S().Debug("fw: using nftables backend")
				return backend, nil
			}
			zap.S().Debugf("fw: nftables probe succeeded but setup failed: %s", err)
		}
	}
	if _, err := exec.LookPath("iptables"); err == nil {
		if _, err := exec.LookPath("ipset"); err == nil {
			zap.S().Debug("fw: using iptables+ipset backend")
			return NewIpsetBackend(), nil
		}
	}
	return nil, errors.New("no supported firewall backend: need nftables, or iptables and ipset")
}
