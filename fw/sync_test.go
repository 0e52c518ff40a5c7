package fw

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeOp struct {
	Op        string // "ensure", "add", "remove"
	Iface     string
	Endpoints []netip.AddrPort
}

// fakeBackend records operations and can be told to fail adds or removes.
type fakeBackend struct {
	ops        []fakeOp
	failAdd    bool
	failRemove bool
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) EnsureInterface(ctx context.Context, iface string, listenPort uint16) error {
	f.ops = append(f.ops, fakeOp{Op: "ensure", Iface: iface})
	return nil
}

func (f *fakeBackend) AddElements(ctx context.Context, iface string, endpoints []netip.AddrPort) error {
	if f.failAdd {
		return errors.New("add failed")
	}
	f.ops = append(f.ops, fakeOp{Op: "add", Iface: iface, Endpoints: endpoints})
	return nil
}

func (f *fakeBackend) RemoveElements(ctx context.Context, iface string, endpoints []netip.AddrPort) error {
	if f.failRemove {
		return errors.New("remove failed")
	}
	f.ops = append(f.ops, fakeOp{Op: "remove", Iface: iface, Endpoints: endpoints})
	return nil
}

func (f *fakeBackend) Teardown(ctx context.Context) error { return nil }

func (f *fakeBackend) mutations() []fakeOp {
	var out []fakeOp
	for _, op := range f.ops {
		if op.Op != "ensure" {
			out = append(out, op)
		}
	}
	return out
}

func mustEndpoint(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ep, err := ParseEndpoint(s)
	if err != nil {
		t.Fatalf("parsing %s: %s", s, err)
	}
	return ep
}

func plan(t *testing.T, port uint16, endpoints ...string) Plan {
	t.Helper()
	p := Plan{ListenPort: port, Allowed: map[netip.AddrPort]struct{}{}}
	for _, e := range endpoints {
		p.Allowed[mustEndpoint(t, e)] = struct{}{}
	}
	return p
}

func TestSyncIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	sy := NewSynchronizer(backend)
	ctx := context.Background()
	plans := map[string]Plan{"wg0": plan(t, 51820, "10.0.0.1:1000", "10.0.0.2:2000")}

	stats, err := sy.Sync(ctx, plans)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Added != 2 || stats.Removed != 0 {
		t.Fatalf("stats = %+v; want 2 added", stats)
	}

	// Re-applying an unchanged allowed set must issue zero kernel mutations.
	before := len(backend.mutations())
	stats, err = sy.Sync(ctx, plans)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(backend.mutations()); got != before {
		t.Fatalf("second sync issued %d extra calls", got-before)
	}
	if stats.Added != 0 || stats.Removed != 0 {
		t.Fatalf("stats = %+v; want none", stats)
	}
}

func TestSyncAddsBeforeRemoves(t *testing.T) {
	// An interrupted sync must degrade toward "too permissive, connections
	// preserved", so new allowances go in before withdrawals come out.
	backend := &fakeBackend{}
	sy := NewSynchronizer(backend)
	ctx := context.Background()

	if _, err := sy.Sync(ctx, map[string]Plan{"wg0": plan(t, 51820, "10.0.0.1:1000")}); err != nil {
		t.Fatal(err)
	}
	backend.ops = nil
	if _, err := sy.Sync(ctx, map[string]Plan{"wg0": plan(t, 51820, "10.0.0.2:2000")}); err != nil {
		t.Fatal(err)
	}

	want := []fakeOp{
		{Op: "ensure", Iface: "wg0"},
		{Op: "add", Iface: "wg0", Endpoints: []netip.AddrPort{mustEndpoint(t, "10.0.0.2:2000")}},
		{Op: "remove", Iface: "wg0", Endpoints: []netip.AddrPort{mustEndpoint(t, "10.0.0.1:1000")}},
	}
	if diff := cmp.Diff(want, backend.ops, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Fatalf("op order mismatch:\n%s", diff)
	}
}

func TestSyncRetriesFailedAdds(t *testing.T) {
	backend := &fakeBackend{failAdd: true}
	sy := NewSynchronizer(backend)
	ctx := context.Background()
	plans := map[string]Plan{"wg0": plan(t, 51820, "10.0.0.1:1000")}

	if _, err := sy.Sync(ctx, plans); err == nil {
		t.Fatal("expected error from failed add")
	}
	if got := sy.CurrentlyApplied("wg0"); len(got) != 0 {
		t.Fatalf("failed add recorded as applied: %v", got)
	}

	// Next tick the backend recovers and the outstanding delta is retried.
	backend.failAdd = false
	stats, err := sy.Sync(ctx, plans)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Added != 1 {
		t.Fatalf("stats = %+v; want 1 added", stats)
	}
	if got := sy.CurrentlyApplied("wg0"); len(got) != 1 {
		t.Fatalf("ledger = %v; want 1 endpoint", got)
	}
}

func TestSyncKeepsLedgerOnFailedRemove(t *testing.T) {
	backend := &fakeBackend{}
	sy := NewSynchronizer(backend)
	ctx := context.Background()

	if _, err := sy.Sync(ctx, map[string]Plan{"wg0": plan(t, 51820, "10.0.0.1:1000")}); err != nil {
		t.Fatal(err)
	}
	backend.failRemove = true
	if _, err := sy.Sync(ctx, map[string]Plan{"wg0": plan(t, 51820)}); err == nil {
		t.Fatal("expected error from failed remove")
	}
	// The rule is still installed in the kernel, so the ledger must still
	// say so; the removal is retried once the backend recovers.
	if got := sy.CurrentlyApplied("wg0"); len(got) != 1 {
		t.Fatalf("ledger = %v; want the unremoved endpoint", got)
	}
	backend.failRemove = false
	stats, err := sy.Sync(ctx, map[string]Plan{"wg0": plan(t, 51820)})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Removed != 1 {
		t.Fatalf("stats = %+v; want 1 removed", stats)
	}
	if got := sy.CurrentlyApplied("wg0"); len(got) != 0 {
		t.Fatalf("ledger = %v; want empty", got)
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("10.0.0.1:51820")
	if err != nil || !ep.Addr().Is4() || ep.Port() != 51820 {
		t.Fatalf("ParseEndpoint v4 = (%v, %v)", ep, err)
	}
	ep, err = ParseEndpoint("[2001:db8::1]:443")
	if err != nil || ep.Addr().Is4() || ep.Port() != 443 {
		t.Fatalf("ParseEndpoint v6 = (%v, %v)", ep, err)
	}
	if _, err := ParseEndpoint("(none)"); err == nil {
		t.Fatal("ParseEndpoint((none)) should fail")
	}
}
