// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Counterline-worker is a subordinate spawned by the director. It
// receives task assignments over the inherited IPC link, simulates
// servicing each one for a configured random duration, and reports the
// outcome. On a shutdown frame it finishes in-flight tasks up to the
// drain limit and exits.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/queueworks/counterline/lib/clock"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/ipc"
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
		name        string
		runID       string
		logLevel    string
		showVersion bool
	)
	pflag.StringVar(&name, "name", "", "subordinate name assigned by the director (required)")
	pflag.StringVar(&runID, "run-id", "", "run id to echo in the hello frame (required)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("counterline-worker %s\n", version.Info())
		return nil
	}
	if name == "" || runID == "" {
		return fmt.Errorf("--name and --run-id are required")
	}

	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	})).With("name", name)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ch, err := ipc.Open(name, cfg.Channel)
	if err != nil {
		return err
	}
	defer ch.Close()

	w := newWorker(name, cfg, clock.Real(), ch, logger)
	return w.run(ipc.NewHello(schema.KindWorker, name, runID))
}
