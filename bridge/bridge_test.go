// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// startEchoSocket runs a Unix socket server that echoes every byte
// back, standing in for the director's control listener.
func startEchoSocket(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listening on socket: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			connection, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer connection.Close()
				io.Copy(connection, connection)
			}()
		}
	}()
	return socketPath
}

func TestBridgeForwardsBothDirections(t *testing.T) {
	t.Parallel()
	socketPath := startEchoSocket(t)

	bridge := &Bridge{
		ListenAddr: "127.0.0.1:0",
		SocketPath: socketPath,
	}
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bridge.Stop()

	client, err := net.Dial("tcp", bridge.Addr().String())
	if err != nil {
		t.Fatalf("dialing bridge: %v", err)
	}
	defer client.Close()

	message := []byte("snapshot request bytes")
	if _, err := client.Write(message); err != nil {
		t.Fatalf("writing to bridge: %v", err)
	}

	echo := make([]byte, len(message))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, echo); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if !bytes.Equal(echo, message) {
		t.Fatalf("echo mismatch: got %q, want %q", echo, message)
	}
}

func TestBridgeSupportsConcurrentSessions(t *testing.T) {
	t.Parallel()
	socketPath := startEchoSocket(t)

	bridge := &Bridge{
		ListenAddr: "127.0.0.1:0",
		SocketPath: socketPath,
	}
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bridge.Stop()

	for i := range 3 {
		client, err := net.Dial("tcp", bridge.Addr().String())
		if err != nil {
			t.Fatalf("dialing bridge (session %d): %v", i, err)
		}
		defer client.Close()

		message := []byte{byte('a' + i), byte('a' + i)}
		if _, err := client.Write(message); err != nil {
			t.Fatalf("writing (session %d): %v", i, err)
		}
		echo := make([]byte, len(message))
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(client, echo); err != nil {
			t.Fatalf("reading echo (session %d): %v", i, err)
		}
		if !bytes.Equal(echo, message) {
			t.Fatalf("echo mismatch (session %d): got %q, want %q", i, echo, message)
		}
	}
}

func TestBridgePropagatesHalfClose(t *testing.T) {
	t.Parallel()
	socketPath := startEchoSocket(t)

	bridge := &Bridge{
		ListenAddr: "127.0.0.1:0",
		SocketPath: socketPath,
	}
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bridge.Stop()

	client, err := net.Dial("tcp", bridge.Addr().String())
	if err != nil {
		t.Fatalf("dialing bridge: %v", err)
	}
	defer client.Close()

	message := []byte("final frame")
	if _, err := client.Write(message); err != nil {
		t.Fatalf("writing to bridge: %v", err)
	}
	if err := client.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	// The echo server copies until EOF then closes; everything written
	// before the half-close must still come back.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	echoed, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("reading after half-close: %v", err)
	}
	if !bytes.Equal(echoed, message) {
		t.Fatalf("echo mismatch: got %q, want %q", echoed, message)
	}
}

func TestBridgeStartFailsWithoutControlSocket(t *testing.T) {
	t.Parallel()
	bridge := &Bridge{
		ListenAddr: "127.0.0.1:0",
		SocketPath: filepath.Join(t.TempDir(), "missing.sock"),
	}
	if err := bridge.Start(context.Background()); err == nil {
		bridge.Stop()
		t.Fatal("Start succeeded, want error for missing control socket")
	}
}

func TestBridgeRequiresConfiguration(t *testing.T) {
	t.Parallel()
	if err := (&Bridge{SocketPath: "/tmp/x.sock"}).Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without ListenAddr")
	}
	if err := (&Bridge{ListenAddr: "127.0.0.1:0"}).Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without SocketPath")
	}
}
