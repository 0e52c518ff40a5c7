// Package daemon runs the polling loop: read tunnel state, advance session
// tracking, evaluate limits, and synchronize the firewall, once per tick.
package daemon

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/usui/wglimit/fw"
	"github.com/usui/wglimit/limit"
	"github.com/usui/wglimit/status"
	"github.com/usui/wglimit/store"
)

type Config struct {
	// Interfaces to enforce on. Empty means every WireGuard interface the
	// status source reports.
	Interfaces []string
	// Interval between ticks.
	Interval time.Duration
	// StatusTimeout bounds the status query; ApplyTimeout bounds one
	// firewall synchronization pass.
	StatusTimeout time.Duration
	ApplyTimeout  time.Duration
	// TeardownOnExit removes all limiter firewall state on shutdown.
	// Default is to leave it in place (fail open to the previous state).
	TeardownOnExit bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = c.Interval
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	return c
}

// Daemon owns the session tracker and the firewall synchronizer. The tick
// loop is the only writer; the control surface reads the published report
// and funnels settings updates through UpdateSettings.
type Daemon struct {
	cfg     Config
	source  status.Source
	sync    *fw.Synchronizer
	tracker *limit.Tracker
	store   *store.Store
	metrics *metrics

	settingsMu sync.RWMutex
	settings   map[limit.PeerKey]limit.Settings

	publishedMu sync.RWMutex
	published   limit.Report
}

// New assembles a daemon. Settings are loaded from the store once here;
// later updates arrive through UpdateSettings.
func New(cfg Config, source status.Source, backend fw.Backend, st *store.Store, reg prometheus.Registerer) (*Daemon, error) {
	cfg = cfg.withDefaults()
	settings, err := st.All()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	zap.S().Infof("daemon: loaded limit settings for %d peers", len(settings))
	return &Daemon{
		cfg:      cfg,
		source:   source,
		sync:     fw.NewSynchronizer(backend),
		tracker:  limit.NewTracker(cfg.Interval),
		store:    st,
		metrics:  newMetrics(reg),
		settings: settings,
	}, nil
}

// Run ticks until ctx is canceled. The in-flight tick finishes before Run
// returns; installed rules are left in place unless TeardownOnExit is set.
func (d *Daemon) Run(ctx context.Context) error {
	zap.S().Infof("daemon: starting, interval %s, backend %s", d.cfg.Interval, d.sync.Backend().Name())
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.S().Info("daemon: stopping")
			if d.cfg.TeardownOnExit {
				tctx, cancel := context.WithTimeout(context.Background(), d.cfg.ApplyTimeout)
				defer cancel()
				if err := d.sync.Backend().Teardown(tctx); err != nil {
					zap.S().Errorf("daemon: teardown: %s", err)
				}
			}
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one full pass. Failures are logged and isolated; carried-over
// session state is never corrupted by a failed status query.
func (d *Daemon) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		d.metrics.tickDuration.Set(time.Since(start).Seconds())
	}()
	d.metrics.ticksTotal.Inc()

	sctx, cancel := context.WithTimeout(ctx, d.cfg.StatusTimeout)
	snap, err := d.source.Collect(sctx)
	cancel()
	if err != nil {
		// No new observations this tick; sessions drift toward GRACE and
		// EXPIRED on their natural schedule instead of being evicted.
		zap.S().Errorf("daemon: status query failed: %s", err)
		d.metrics.tickFailures.Inc()
		snap = status.Snapshot{TakenAt: time.Now(), Interfaces: map[string]status.Interface{}}
	}

	obs, ports := d.observations(snap)
	d.tracker.Advance(obs, d.settingsFor)

	report := limit.Report{
		Tick:        d.tracker.Tick(),
		GeneratedAt: time.Now(),
	}
	plans := map[string]fw.Plan{}
	overLimit := 0
	tracked := 0
	admitted := 0
	for _, key := range d.tracker.Peers() {
		settings := d.settingsFor(key)
		sessions := d.tracker.Sessions(key)
		tracked += len(sessions)
		plan := limit.Evaluate(sessions, settings)
		admitted += len(plan.Allowed)
		pr := limit.BuildPeerReport(key, settings, sessions, plan, d.tracker.Tick(), d.tracker.Interval())
		if pr.OverLimit {
			overLimit++
		}
		report.Peers = append(report.Peers, pr)

		port, ok := ports[key.Interface]
		if !ok || port == 0 {
			// Interface gone from the snapshot or not listening; nothing to
			// enforce this tick, rules stay as they are.
			continue
		}
		fwPlan, ok := plans[key.Interface]
		if !ok {
			fwPlan = fw.Plan{ListenPort: port, Allowed: map[netip.AddrPort]struct{}{}}
		}
		for _, endpoint := range plan.AllowedEndpoints() {
			ep, err := fw.ParseEndpoint(endpoint)
			if err != nil {
				zap.S().Debugf("daemon: %s/%s: unparsable endpoint %q", key.Interface, key.PublicKey, endpoint)
				continue
			}
			fwPlan.Allowed[ep] = struct{}{}
		}
		plans[key.Interface] = fwPlan
	}
	// Interfaces with no tracked sessions still need their scaffolding and
	// an empty allowed set so stale rules are withdrawn.
	for iface, port := range ports {
		if _, ok := plans[iface]; !ok && port != 0 && d.managed(iface) {
			plans[iface] = fw.Plan{ListenPort: port, Allowed: map[netip.AddrPort]struct{}{}}
		}
	}

	actx, cancel := context.WithTimeout(ctx, d.cfg.ApplyTimeout)
	stats, err := d.sync.Sync(actx, plans)
	cancel()
	if err != nil {
		// The synchronizer's ledger still points at the last known-good
		// applied state; the outstanding delta is retried next tick.
		zap.S().Errorf("daemon: firewall sync: %s", err)
		d.metrics.tickFailures.Inc()
	}
	d.metrics.rulesAdded.Add(float64(stats.Added))
	d.metrics.rulesRemoved.Add(float64(stats.Removed))
	d.metrics.peersOverLimit.Set(float64(overLimit))
	d.metrics.trackedSessions.Set(float64(tracked))
	d.metrics.admittedSessions.Set(float64(admitted))

	d.publishedMu.Lock()
	d.published = report
	d.publishedMu.Unlock()
}

// observations converts a snapshot into per-peer observations for the
// interfaces this daemon manages, plus each interface's listen port.
func (d *Daemon) observations(snap status.Snapshot) (map[limit.PeerKey][]limit.Observation, map[string]uint16) {
	obs := map[limit.PeerKey][]limit.Observation{}
	ports := map[string]uint16{}
	for name, iface := range snap.Interfaces {
		if !d.managed(name) {
			continue
		}
		ports[name] = uint16(iface.ListenPort)
		for _, peer := range iface.Peers {
			key := limit.PeerKey{Interface: name, PublicKey: peer.PublicKey}
			if _, _, ok := status.SplitEndpoint(peer.Endpoint); !ok {
				// Peer has never connected, or the endpoint field is
				// garbage; either way there is nothing to admit.
				continue
			}
			o := limit.Observation{
				Endpoint: peer.Endpoint,
				RxBytes:  peer.RxBytes,
				TxBytes:  peer.TxBytes,
			}
			if !peer.LatestHandshake.IsZero() {
				o.HasHandshake = true
				o.HandshakeAge = snap.TakenAt.Sub(peer.LatestHandshake)
			}
			obs[key] = append(obs[key], o)
		}
	}
	return obs, ports
}

func (d *Daemon) managed(iface string) bool {
	return len(d.cfg.Interfaces) == 0 || slices.Contains(d.cfg.Interfaces, iface)
}

func (d *Daemon) settingsFor(key limit.PeerKey) limit.Settings {
	d.settingsMu.RLock()
	defer d.settingsMu.RUnlock()
	if s, ok := d.settings[key]; ok {
		return s
	}
	return limit.DefaultSettings()
}

// Report returns the snapshot published by the most recent tick. Readers
// always see a complete report, never one mid-construction.
func (d *Daemon) Report() limit.Report {
	d.publishedMu.RLock()
	defer d.publishedMu.RUnlock()
	return d.published
}

// UpdateSettings validates, persists, and adopts new settings for a peer.
// The update takes effect starting with the next tick; it never
// retroactively re-admits sessions evicted under the prior policy.
func (d *Daemon) UpdateSettings(key limit.PeerKey, settings limit.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := d.store.SetSettings(key, settings); err != nil {
		return err
	}
	d.settingsMu.Lock()
	d.settings[key] = settings
	d.settingsMu.Unlock()
	zap.S().Infof("daemon: %s/%s: settings updated: max=%d policy=%s ttl=%ds grace=%ds",
		key.Interface, key.PublicKey, settings.MaxConcurrent, settings.Policy, settings.TTLSeconds, settings.GraceSeconds)
	return nil
}

// Settings returns the effective settings for a peer.
func (d *Daemon) Settings(key limit.PeerKey) limit.Settings {
	return d.settingsFor(key)
}
