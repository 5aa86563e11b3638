// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Counterline-bridge exposes the director's Unix control socket to TCP
// clients, so viewers on other hosts (or outside a container) can
// attach to a run. Pure byte forwarding; the bridge interprets no
// frames.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/queueworks/counterline/bridge"
	"github.com/queueworks/counterline/lib/process"
	"github.com/queueworks/counterline/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		listenAddr   string
		socketPath   string
		probeRetries int
		logLevel     string
		showVersion  bool
	)
	pflag.StringVar(&listenAddr, "listen", "127.0.0.1:7311", "TCP address to listen on")
	pflag.StringVar(&socketPath, "socket", "/run/counterline/control.sock", "director control socket to forward to")
	pflag.IntVar(&probeRetries, "probe-retries", 10, "socket probe retries before giving up")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("counterline-bridge %s\n", version.Info())
		return nil
	}

	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := &bridge.Bridge{
		ListenAddr:   listenAddr,
		SocketPath:   socketPath,
		ProbeRetries: probeRetries,
		Logger:       logger,
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.Stop()
	return nil
}
