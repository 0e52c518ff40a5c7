//go:build linux

package fw

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const nftTableName = "wglimit"

// NftBackend enforces allowed-endpoint sets through nftables, using native
// netlink rather than the nft binary. Layout per managed interface:
//
//	table inet wglimit {
//	  set <iface>_allowed_v4 { type ipv4_addr . inet_service }
//	  set <iface>_allowed_v6 { type ipv6_addr . inet_service }
//	  chain limit_<iface> {  # input hook, priority -150
//	    udp dport <port> ip saddr . udp sport @<iface>_allowed_v4 return
//	    udp dport <port> ip6 saddr . udp sport @<iface>_allowed_v6 return
//	    udp dport <port> drop
//	  }
//	}
type NftBackend struct {
	conn  *nftables.Conn
	table *nftables.Table
	ready map[string]*nftIface
	// seen marks interfaces whose leftover state from a previous run has
	// been cleared this process.
	seen map[string]bool
}

type nftIface struct {
	listenPort uint16
	setV4      *nftables.Set
	setV6      *nftables.Set
	chain      *nftables.Chain
}

var _ Backend = (*NftBackend)(nil)

// NewNftBackend creates the limiter table if needed and returns the backend.
func NewNftBackend(conn *nftables.Conn) (*NftBackend, error) {
	b := &NftBackend{
		conn:  conn,
		ready: map[string]*nftIface{},
		seen:  map[string]bool{},
	}
	b.table = conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   nftTableName,
	})
	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("creating table %s: %w", nftTableName, err)
	}
	return b, nil
}

func (b *NftBackend) Name() string { return "nftables" }

func (b *NftBackend) EnsureInterface(ctx context.Context, iface string, listenPort uint16) error {
	if ni, ok := b.ready[iface]; ok {
		if ni.listenPort == listenPort {
			return nil
		}
		// Listen port changed: the chain rules embed the port, so rebuild.
		zap.S().Infof("fw: %s: listen port changed %d -> %d, rebuilding chain", iface, ni.listenPort, listenPort)
		b.conn.DelChain(ni.chain)
		if err := b.conn.Flush(); err != nil {
			return fmt.Errorf("deleting chain for %s: %w", iface, err)
		}
		delete(b.ready, iface)
	}

	if !b.seen[iface] {
		// Shutdown leaves the table in place, so a chain from a previous run
		// may survive; re-adding rules to it would stack duplicates.
		chains, err := b.conn.ListChains()
		if err != nil {
			return fmt.Errorf("listing chains: %w", err)
		}
		for _, c := range chains {
			if c.Table.Name == nftTableName && c.Name == "limit_"+iface {
				zap.S().Infof("fw: %s: recreating chain left by a previous run", iface)
				b.conn.DelChain(c)
			}
		}
	}

	setV4 := &nftables.Set{
		Table:         b.table,
		Name:          iface + "_allowed_v4",
		KeyType:       nftables.MustConcatSetType(nftables.TypeIPAddr, nftables.TypeInetService),
		Concatenation: true,
	}
	if err := b.conn.AddSet(setV4, nil); err != nil {
		return fmt.Errorf("adding set %s: %w", setV4.Name, err)
	}
	setV6 := &nftables.Set{
		Table:         b.table,
		Name:          iface + "_allowed_v6",
		KeyType:       nftables.MustConcatSetType(nftables.TypeIP6Addr, nftables.TypeInetService),
		Concatenation: true,
	}
	if err := b.conn.AddSet(setV6, nil); err != nil {
		return fmt.Errorf("adding set %s: %w", setV6.Name, err)
	}
	if !b.seen[iface] {
		// Elements installed by a previous run are invisible to the
		// synchronizer's fresh ledger and would otherwise stay allowed
		// forever; clear them so ledger and kernel agree again. The first
		// sync of this pass reinstalls the currently allowed set.
		b.conn.FlushSet(setV4)
		b.conn.FlushSet(setV6)
	}

	policy := nftables.ChainPolicyAccept
	chain := b.conn.AddChain(&nftables.Chain{
		Name:     "limit_" + iface,
		Table:    b.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityRef(-150),
		Policy:   &policy,
	})
	port := binaryutil.BigEndian.PutUint16(listenPort)

	// udp dport <port> ip saddr . udp sport @allowed_v4 return
	b.conn.AddRule(&nftables.Rule{
		Table: b.table,
		Chain: chain,
		Exprs: append(matchUDPDport(unix.NFPROTO_IPV4, port), []expr.Any{
			// ip saddr . udp sport
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
			&expr.Payload{DestRegister: 9, Base: expr.PayloadBaseTransportHeader, Offset: 0, Len: 2},
			&expr.Lookup{SourceRegister: 1, SetName: setV4.Name, SetID: setV4.ID},
			&expr.Verdict{Kind: expr.VerdictReturn},
		}...),
	})
	// udp dport <port> ip6 saddr . udp sport @allowed_v6 return
	b.conn.AddRule(&nftables.Rule{
		Table: b.table,
		Chain: chain,
		Exprs: append(matchUDPDport(unix.NFPROTO_IPV6, port), []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 8, Len: 16},
			&expr.Payload{DestRegister: 12, Base: expr.PayloadBaseTransportHeader, Offset: 0, Len: 2},
			&expr.Lookup{SourceRegister: 1, SetName: setV6.Name, SetID: setV6.ID},
			&expr.Verdict{Kind: expr.VerdictReturn},
		}...),
	})
	// udp dport <port> drop
	b.conn.AddRule(&nftables.Rule{
		Table: b.table,
		Chain: chain,
		Exprs: append(matchUDPDportAnyFamily(port),
			&expr.Verdict{Kind: expr.VerdictDrop},
		),
	})
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("setting up %s: %w", iface, err)
	}
	b.seen[iface] = true
	b.ready[iface] = &nftIface{
		listenPort: listenPort,
		setV4:      setV4,
		setV6:      setV6,
		chain:      chain,
	}
	return nil
}

func matchUDPDport(nfproto byte, portBE []byte) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_UDP}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: portBE},
	}
}

func matchUDPDportAnyFamily(portBE []byte) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_UDP}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: portBE},
	}
}

func (b *NftBackend) AddElements(ctx context.Context, iface string, endpoints []netip.AddrPort) error {
	return b.updateElements(iface, endpoints, true)
}

func (b *NftBackend) RemoveElements(ctx context.Context, iface string, endpoints []netip.AddrPort) error {
	return b.updateElements(iface, endpoints, false)
}

func (b *NftBackend) updateElements(iface string, endpoints []netip.AddrPort, add bool) error {
	ni, ok := b.ready[iface]
	if !ok {
		return fmt.Errorf("interface %s not set up", iface)
	}
	var v4, v6 []nftables.SetElement
	for _, ep := range endpoints {
		if ep.Addr().Is4() {
			v4 = append(v4, nftables.SetElement{Key: concatKey4(ep)})
		} else {
			v6 = append(v6, nftables.SetElement{Key: concatKey6(ep)})
		}
	}
	op := b.conn.SetAddElements
	if !add {
		op = b.conn.SetDeleteElements
	}
	if len(v4) > 0 {
		if err := op(ni.setV4, v4); err != nil {
			return fmt.Errorf("set %s: %w", ni.setV4.Name, err)
		}
	}
	if len(v6) > 0 {
		if err := op(ni.setV6, v6); err != nil {
			return fmt.Errorf("set %s: %w", ni.setV6.Name, err)
		}
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("updating sets for %s: %w", iface, err)
	}
	return nil
}

// concatKey4 encodes addr . port with each datum padded to the 4-byte
// register boundary the kernel expects for concatenated set keys.
func concatKey4(ep netip.AddrPort) []byte {
	a := ep.Addr().As4()
	key := make([]byte, 8)
	copy(key[0:4], a[:])
	copy(key[4:6], binaryutil.BigEndian.PutUint16(ep.Port()))
	return key
}

func concatKey6(ep netip.AddrPort) []byte {
	a := ep.Addr().As16()
	key := make([]byte, 20)
	copy(key[0:16], a[:])
	copy(key[16:18], binaryutil.BigEndian.PutUint16(ep.Port()))
	return key
}

// Teardown deletes the limiter table and everything in it.
func (b *NftBackend) Teardown(ctx context.Context) error {
	b.conn.DelTable(b.table)
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("deleting table %s: %w", nftTableName, err)
	}
	b.ready = map[string]*nftIface{}
	return nil
}
