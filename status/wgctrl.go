package status

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"
)

// WgctrlSource collects tunnel state over the WireGuard netlink interface.
type WgctrlSource struct {
	client *wgctrl.Client
}

var _ Source = (*WgctrlSource)(nil)

func NewWgctrlSource() (*WgctrlSource, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgctrl: %w", err)
	}
	return &WgctrlSource{client: client}, nil
}

func (s *WgctrlSource) Collect(ctx context.Context) (Snapshot, error) {
	// wgctrl has no context support; run the query in a goroutine so a wedged
	// netlink socket cannot stall the tick past its deadline.
	type result struct {
		snap Snapshot
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		snap, err := s.collect()
		ch <- result{snap, err}
	}()
	select {
	case r := <-ch:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *WgctrlSource) collect() (Snapshot, error) {
	devices, err := s.client.Devices()
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing devices: %w", err)
	}
	snap := Snapshot{TakenAt: time.Now(), Interfaces: map[string]Interface{}}
	for _, dev := range devices {
		iface := Interface{Name: dev.Name, ListenPort: dev.ListenPort}
		for _, p := range dev.Peers {
			peer := Peer{
				PublicKey:       p.PublicKey.String(),
				LatestHandshake: p.LastHandshakeTime,
				RxBytes:         p.ReceiveBytes,
				TxBytes:         p.TransmitBytes,
			}
			if p.Endpoint != nil {
				peer.Endpoint = p.Endpoint.String()
			}
			iface.Peers = append(iface.Peers, peer)
		}
		snap.Interfaces[dev.Name] = iface
	}
	return snap, nil
}

func (s *WgctrlSource) Close() error {
	return s.client.Close()
}

// Detect returns the preferred available status source: the netlink client
// if it can enumerate devices, otherwise the wg binary.
func Detect() (Source, error) {
	src, err := NewWgctrlSource()
	if err == nil {
		if _, err := src.client.Devices(); err == nil {
			zap.S().Debug("status: using wgctrl source")
			return src, nil
		}
		src.Close()
	}
	path, err := exec.LookPath("wg")
	if err != nil {
		return nil, fmt.Errorf("no status source available: wgctrl unusable and wg binary not found")
	}
	zap.S().Debugf("status: using wg dump source at %s", path)
	return &DumpSource{Path: path}, nil
}
