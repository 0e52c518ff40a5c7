// Command wglimitd enforces per-peer concurrent-endpoint limits on
// WireGuard interfaces. It needs CAP_NET_ADMIN and CAP_NET_RAW to query
// tunnel state and mutate firewall state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/usui/wglimit/control"
	"github.com/usui/wglimit/daemon"
	"github.com/usui/wglimit/fw"
	"github.com/usui/wglimit/status"
	"github.com/usui/wglimit/store"
	"github.com/usui/wglimit/util"
)

type Config struct {
	// Interfaces to enforce on; empty means all WireGuard interfaces.
	Interfaces []string `yaml:"interfaces"`
	// Addr is the control API bind address.
	Addr string `yaml:"addr"`
	// DatabasePath is the dashboard-owned settings database.
	DatabasePath string `yaml:"database_path"`
	// TokenHashes are hex SHA-256 hashes of accepted API tokens.
	TokenHashes []string `yaml:"token_hashes"`

	Interval       time.Duration `yaml:"interval"`
	StatusTimeout  time.Duration `yaml:"status_timeout"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
	TeardownOnExit bool          `yaml:"teardown_on_exit"`
}

func main() {
	var configPath string
	var interval time.Duration
	var verbose bool
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.DurationVar(&interval, "interval", 0, "polling interval (overrides config)")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose logging")
	flag.Parse()
	util.SetupLog(verbose)
	defer util.S.Sync()

	c, err := loadConfig(configPath)
	if err != nil {
		zap.S().Fatalf("loading config failed: %s", err)
	}
	if interval != 0 {
		c.Interval = interval
	}
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8090"
	}
	if c.DatabasePath == "" {
		zap.S().Fatal("config: database_path is required")
	}

	tokens, err := convertTokens(c.TokenHashes)
	if err != nil {
		zap.S().Fatalf("loading config failed: %s", err)
	}

	source, err := status.Detect()
	if err != nil {
		zap.S().Fatalf("no status source: %s", err)
	}
	defer source.Close()

	// No backend means we could report enforcement without enforcing.
	backend, err := fw.Detect()
	if err != nil {
		zap.S().Fatalf("no firewall backend: %s", err)
	}

	st, err := store.Open(c.DatabasePath)
	if err != nil {
		zap.S().Fatalf("opening settings database failed: %s", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	d, err := daemon.New(daemon.Config{
		Interfaces:     c.Interfaces,
		Interval:       c.Interval,
		StatusTimeout:  c.StatusTimeout,
		ApplyTimeout:   c.ApplyTimeout,
		TeardownOnExit: c.TeardownOnExit,
	}, source, backend, st, reg)
	if err != nil {
		zap.S().Fatalf("building daemon failed: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    c.Addr,
		Handler: control.NewServer(d, tokens, reg),
	}
	go func() {
		zap.S().Infof("control API listening on %s", c.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Fatalf("listen and serve failed: %s", err)
		}
	}()

	err = d.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		zap.S().Errorf("daemon stopped: %s", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("-config is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return Config{}, err
	}
	return c, nil
}

func convertTokens(hashes []string) (map[util.TokenHash]struct{}, error) {
	tokens := map[util.TokenHash]struct{}{}
	for _, h := range hashes {
		tokenHash, err := util.ParseTokenHash(h)
		if err != nil {
			return nil, fmt.Errorf("parsing token hash %s: %w", h, err)
		}
		tokens[*tokenHash] = struct{}{}
	}
	return tokens, nil
}
