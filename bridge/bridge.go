// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge exposes the director's Unix control socket to TCP
// clients. The director speaks the bridge frame namespace on its
// control socket; this forwarder copies bytes verbatim in both
// directions, so remote viewers see exactly the same protocol local
// ones do. It performs no interpretation and holds no protocol state.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/queueworks/counterline/lib/backoff"
)

// dialTimeout bounds each attempt to reach the control socket.
const dialTimeout = 5 * time.Second

// Bridge forwards TCP connections to the director's control socket.
type Bridge struct {
	// ListenAddr is the TCP address to listen on (e.g. "127.0.0.1:7311").
	ListenAddr string

	// SocketPath is the director's control socket.
	SocketPath string

	// ProbeRetries is how many times Start retries the initial socket
	// probe with backoff before giving up, for the common case of the
	// bridge starting moments before the director binds its socket.
	// Zero means probe exactly once.
	ProbeRetries int

	// Logger receives structured log output. If nil, slog.Default() is
	// used. Per-connection events log at Debug; lifecycle at Info.
	Logger *slog.Logger

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Start probes the control socket, binds the TCP listener, and begins
// forwarding in the background until Stop is called or the context is
// cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.ListenAddr == "" {
		return errors.New("bridge: ListenAddr is required")
	}
	if b.SocketPath == "" {
		return errors.New("bridge: SocketPath is required")
	}

	if err := b.probeSocket(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", b.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: listening on %s: %w", b.ListenAddr, err)
	}
	b.listener = listener

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.acceptLoop(ctx)
	}()

	b.logger().Info("control bridge started",
		"listen_addr", listener.Addr().String(),
		"socket_path", b.SocketPath,
	)
	return nil
}

// probeSocket verifies the control socket accepts connections,
// retrying with backoff when configured.
func (b *Bridge) probeSocket(ctx context.Context) error {
	retry, err := backoff.New(100*time.Millisecond, 2*time.Second, 20)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= b.ProbeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.NextDelay()):
			}
		}
		probe, dialErr := net.DialTimeout("unix", b.SocketPath, dialTimeout)
		if dialErr == nil {
			probe.Close()
			return nil
		}
		lastErr = dialErr
	}
	return fmt.Errorf("bridge: control socket %s not reachable: %w", b.SocketPath, lastErr)
}

// Addr returns the listener's address, useful when binding to port 0.
// Returns nil before Start.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts the bridge down, closing the listener and waiting for all
// in-flight connections to drain.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.listener != nil {
		b.listener.Close()
	}
	if b.done != nil {
		<-b.done
	}
}

// acceptLoop accepts TCP clients and forwards each to a fresh control
// socket connection, so every remote viewer gets its own control
// session at the director.
func (b *Bridge) acceptLoop(ctx context.Context) {
	var sessionCount int64
	for {
		tcpConnection, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				b.connections.Wait()
				return
			default:
				b.logger().Error("accept failed", "error", err)
				continue
			}
		}

		sessionCount++
		sessionNumber := sessionCount
		b.connections.Add(1)
		go func() {
			defer b.connections.Done()
			b.forward(tcpConnection, sessionNumber)
		}()
	}
}

// forward splices one TCP client onto one control socket connection.
func (b *Bridge) forward(tcpConnection net.Conn, sessionNumber int64) {
	defer tcpConnection.Close()

	logger := b.logger().With("bridge_session", sessionNumber)
	logger.Debug("viewer connected", "remote_addr", tcpConnection.RemoteAddr())

	controlConnection, err := net.DialTimeout("unix", b.SocketPath, dialTimeout)
	if err != nil {
		logger.Error("control socket dial failed", "error", err)
		return
	}
	defer controlConnection.Close()

	var waitGroup sync.WaitGroup
	waitGroup.Add(2)

	go func() {
		defer waitGroup.Done()
		io.Copy(controlConnection, tcpConnection)
		if unixConn, ok := controlConnection.(*net.UnixConn); ok {
			unixConn.CloseWrite()
		}
	}()

	go func() {
		defer waitGroup.Done()
		io.Copy(tcpConnection, controlConnection)
		if tcpConn, ok := tcpConnection.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
	}()

	waitGroup.Wait()
	logger.Debug("viewer disconnected")
}
