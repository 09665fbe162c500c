// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Signalbusd is the signalbus daemon: a local event broker that routes
// JSON signals between processes on one machine over a Unix socket.
//
// On startup:
//  1. Loads configuration (--config flag, $SIGNALBUS_CONFIG, or the
//     built-in defaults, which are fully operational).
//  2. Applies the optional seed file of pre-created tokens and
//     rate-limit rules.
//  3. Mints the bootstrap admin token and writes its secret next to
//     the socket (mode 0600) for the CLI to pick up.
//  4. Listens on the Unix socket and serves framed CBOR requests.
//  5. Sweeps expired tokens, stale rate-limit windows, and expired
//     history on a timer until SIGINT/SIGTERM.
//
// SIGUSR1 and SIGUSR2 can be mapped in the configuration to emissions
// performed by the daemon itself, so shell scripts can signal listeners
// with plain kill(1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/signalbus-io/signalbus/lib/broker"
	"github.com/signalbus-io/signalbus/lib/brokertoken"
	"github.com/signalbus-io/signalbus/lib/clock"
	"github.com/signalbus-io/signalbus/lib/config"
	"github.com/signalbus-io/signalbus/lib/history"
	"github.com/signalbus-io/signalbus/lib/ratelimit"
	"github.com/signalbus-io/signalbus/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath          string
		socketPath          string
		logLevel            string
		printBootstrapToken bool
		showVersion         bool
	)

	flag.StringVar(&configPath, "config", "", "YAML configuration file (default: $SIGNALBUS_CONFIG if set, else built-in defaults)")
	flag.StringVar(&socketPath, "socket", "", "Unix socket path (overrides the configuration file)")
	flag.StringVar(&logLevel, "log-level", "", "minimum log level: debug, info, warn, or error (overrides the configuration file)")
	flag.BoolVar(&printBootstrapToken, "print-bootstrap-token", false, "print the bootstrap token secret to stdout after startup")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("signalbusd %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	tokens := brokertoken.NewRegistry(clk)
	limits := ratelimit.NewLimiter(clk)

	compression, err := history.ParseAlgorithm(cfg.History.Compression)
	if err != nil {
		return err
	}
	store := history.NewStore(clk, history.Options{
		Capacity:    cfg.History.Capacity,
		QueryLimit:  cfg.History.QueryLimit,
		Compression: compression,
	})

	engine := broker.New(clk, tokens, limits, store, broker.Options{
		Logger:           logger,
		MaxPayloadSize:   cfg.Broker.MaxPayloadBytes,
		BufferCapacity:   cfg.Broker.BufferCapacity,
		MaxSubscriptions: cfg.Broker.MaxSubscriptions,
	})
	defer engine.Close()

	if cfg.SeedFile != "" {
		counts, err := applySeed(cfg.SeedFile, tokens, limits)
		if err != nil {
			return fmt.Errorf("applying seed file: %w", err)
		}
		logger.Info("seed file applied",
			"path", cfg.SeedFile,
			"tokens", counts.tokens,
			"rules", counts.rules,
		)
	}

	// The bootstrap token is the daemon's root credential: every
	// permission, no expiry. The CLI finds its secret in the token
	// file automatically.
	bootstrap, secret, err := tokens.Bootstrap(cfg.Bootstrap.Identity)
	if err != nil {
		return fmt.Errorf("minting bootstrap token: %w", err)
	}
	tokenFile := cfg.TokenFilePath()
	if err := writeTokenFile(tokenFile, secret); err != nil {
		return fmt.Errorf("writing bootstrap token file: %w", err)
	}
	logger.Info("bootstrap token ready",
		"token_id", bootstrap.ID,
		"identity", bootstrap.Identity,
		"token_file", tokenFile,
	)
	if printBootstrapToken {
		fmt.Println(secret)
	}

	server := newServer(engine, tokens, clk, logger)
	if err := server.start(ctx, cfg.SocketPath); err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	defer server.stop()

	go sweepLoop(ctx, clk, engine, cfg.SweepInterval(), logger)

	bootstrapGrant := brokertoken.Grant{
		TokenID:     bootstrap.ID,
		Identity:    bootstrap.Identity,
		Permissions: bootstrap.Permissions,
	}
	go watchOSSignals(ctx, engine, bootstrapGrant, cfg.OSSignals, logger)

	logger.Info("signalbusd ready",
		"socket", cfg.SocketPath,
		"version", version.Short(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// loadConfig resolves the configuration source: an explicit --config
// path wins, otherwise $SIGNALBUS_CONFIG, otherwise defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// writeTokenFile writes the bootstrap secret with owner-only
// permissions. The directory is created if missing so --socket can
// point anywhere.
func writeTokenFile(path, secret string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(secret+"\n"), 0600)
}

// sweepLoop prunes expired tokens, stale rate-limit windows, and
// TTL-expired history on a timer. The hot paths prune lazily inline,
// so the sweep only bounds staleness across idle stretches.
func sweepLoop(ctx context.Context, clk clock.Clock, engine *broker.Broker, interval time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stats := engine.Sweep(now)
			if stats.TokensExpired > 0 || stats.WindowEntries > 0 || stats.SignalsPurged > 0 {
				logger.Debug("sweep completed",
					"tokens_expired", stats.TokensExpired,
					"window_entries", stats.WindowEntries,
					"signals_purged", stats.SignalsPurged,
				)
			}
		}
	}
}

// watchOSSignals emits the configured signals when the daemon process
// receives SIGUSR1 or SIGUSR2. Emissions act as the bootstrap identity
// and pass through the regular admission pipeline, rate limits
// included.
func watchOSSignals(ctx context.Context, engine *broker.Broker, grant brokertoken.Grant, cfg config.OSSignalsConfig, logger *slog.Logger) {
	specs := make(map[os.Signal]*config.EmitSpec)
	if cfg.SIGUSR1 != nil {
		specs[unix.SIGUSR1] = cfg.SIGUSR1
	}
	if cfg.SIGUSR2 != nil {
		specs[unix.SIGUSR2] = cfg.SIGUSR2
	}
	if len(specs) == 0 {
		return
	}

	watched := make([]os.Signal, 0, len(specs))
	for sig := range specs {
		watched = append(watched, sig)
	}
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, watched...)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case received := <-signals:
			spec := specs[received]
			emitted, err := engine.Emit(grant, broker.EmitRequest{
				Topic:   spec.Topic,
				Payload: []byte(spec.Payload),
			})
			if err != nil {
				logger.Warn("os signal emission denied",
					"os_signal", received.String(),
					"topic", spec.Topic,
					"error", err,
				)
				continue
			}
			logger.Info("os signal emitted",
				"os_signal", received.String(),
				"topic", emitted.Topic,
			)
		}
	}
}
