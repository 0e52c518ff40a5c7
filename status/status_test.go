package status

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port int
		ok   bool
	}{
		{"10.0.0.1:51820", "10.0.0.1", 51820, true},
		{" 10.0.0.1:51820 ", "10.0.0.1", 51820, true},
		{"[2001:db8::1]:4500", "2001:db8::1", 4500, true},
		{"(none)", "", 0, false},
		{"(NONE)", "", 0, false},
		{"", "", 0, false},
		{"10.0.0.1", "", 0, false},
		{"10.0.0.1:", "", 0, false},
		{":51820", "", 0, false},
		{"10.0.0.1:notaport", "", 0, false},
		{"10.0.0.1:70000", "", 0, false},
		{"[2001:db8::1", "", 0, false},
	}
	for _, tt := range tests {
		host, port, ok := SplitEndpoint(tt.in)
		if host != tt.host || port != tt.port || ok != tt.ok {
			t.Errorf("SplitEndpoint(%q) = (%q, %d, %v); want (%q, %d, %v)",
				tt.in, host, port, ok, tt.host, tt.port, tt.ok)
		}
	}
}

func TestParseDump(t *testing.T) {
	now := time.Unix(1700000100, 0)
	out := "wg0\tcHJpdmF0ZQ==\tcHVibGlj\t51820\toff\n" +
		"wg0\tpeerA\t(none)\t10.0.0.1:50000\t10.6.0.2/32\t1700000000\t1000\t2000\toff\n" +
		"wg0\tpeerB\t(none)\t[2001:db8::5]:443\t10.6.0.3/32\t0\t0\t0\toff\n" +
		"wg1\tcHJpdmF0ZQ==\tcHVibGlj\t51821\toff\n"
	snap := ParseDump(out, now)
	want := Snapshot{
		TakenAt: now,
		Interfaces: map[string]Interface{
			"wg0": {
				Name:       "wg0",
				ListenPort: 51820,
				Peers: []Peer{
					{PublicKey: "peerA", Endpoint: "10.0.0.1:50000", LatestHandshake: time.Unix(1700000000, 0), RxBytes: 1000, TxBytes: 2000},
					{PublicKey: "peerB", Endpoint: "[2001:db8::5]:443"},
				},
			},
			"wg1": {Name: "wg1", ListenPort: 51821},
		},
	}
	if !cmp.Equal(snap, want) {
		t.Log(cmp.Diff(snap, want))
		t.Fatal("mismatch")
	}
}

func TestParseDumpMalformed(t *testing.T) {
	// Garbled lines, peer lines before any interface, and empty output must
	// not abort parsing.
	snap := ParseDump("", time.Unix(0, 0))
	if len(snap.Interfaces) != 0 {
		t.Fatalf("expected no interfaces, got %d", len(snap.Interfaces))
	}
	out := "garbage\n" +
		"wg9\tpeerX\t(none)\t1.2.3.4:5\t10.0.0.1/32\t0\t0\t0\toff\n" +
		"wg0\tkey\tkey\t51820\toff\n" +
		"one\ttwo\tthree\n"
	snap = ParseDump(out, time.Unix(0, 0))
	if len(snap.Interfaces) != 1 {
		t.Fatalf("expected 1 interface, got %d", len(snap.Interfaces))
	}
	if got := snap.Interfaces["wg0"]; len(got.Peers) != 0 || got.ListenPort != 51820 {
		t.Fatalf("unexpected wg0 state: %+v", got)
	}
}
