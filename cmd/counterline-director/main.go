// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Counterline-director is the supervising process of a Counterline
// run. It spawns the subordinate population (users manager, workers,
// users), issues and tracks tickets, routes frames between
// participants over socketpair IPC, and serves viewers on a Unix
// control socket.
//
// On startup:
//  1. Loads and validates the run configuration.
//  2. Binds the control socket and starts accepting control clients.
//  3. Spawns the users manager, then workers, then users, each with a
//     socketpair end as fd 3.
//  4. Enters the control loop: poll channels, dispatch frames, check
//     heartbeats, respawn crashed subordinates with backoff.
//
// A stop command from a control client or SIGINT/SIGTERM begins a
// graceful drain; subordinates that outlive the drain timeout are
// killed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/queueworks/counterline/lib/clock"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/metrics"
	"github.com/queueworks/counterline/lib/process"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath    string
		workerBinary  string
		userBinary    string
		managerBinary string
		logLevel      string
		showVersion   bool
	)

	pflag.StringVar(&configPath, "config", "", "path to counterline.yaml (default: $COUNTERLINE_CONFIG)")
	pflag.StringVar(&workerBinary, "worker-binary", "counterline-worker", "worker binary to spawn")
	pflag.StringVar(&userBinary, "user-binary", "counterline-user", "user binary to spawn")
	pflag.StringVar(&managerBinary, "manager-binary", "counterline-users-manager", "users manager binary to spawn")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("counterline-director %s\n", version.Info())
		return nil
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = os.Getenv("COUNTERLINE_CONFIG")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	binaries := map[schema.ProcessKind]string{
		schema.KindWorker:       workerBinary,
		schema.KindUser:         userBinary,
		schema.KindUsersManager: managerBinary,
	}

	runID := newRunID()
	director, err := newDirector(cfg, runID, clock.Real(), logger,
		execSpawner(binaries, configPath, runID), metrics.NewSlog(logger))
	if err != nil {
		return err
	}
	return director.Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	}))
	slog.SetDefault(logger)
	return logger, nil
}
