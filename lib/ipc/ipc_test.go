// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"os"
	"testing"

	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

func TestCodecNamespaces(t *testing.T) {
	t.Parallel()
	cfg := config.Default().Channel

	ipcCodec := NewIPCCodec(cfg)
	if ipcCodec.Version != wire.VersionIPC {
		t.Errorf("ipc codec version: got 0x%04x, want 0x%04x", ipcCodec.Version, wire.VersionIPC)
	}
	if ipcCodec.MaxType != schema.MaxIPCType {
		t.Errorf("ipc codec max type: got 0x%02x, want 0x%02x", ipcCodec.MaxType, schema.MaxIPCType)
	}

	bridgeCodec := NewBridgeCodec(cfg)
	if bridgeCodec.Version != wire.VersionBridge {
		t.Errorf("bridge codec version: got 0x%04x, want 0x%04x", bridgeCodec.Version, wire.VersionBridge)
	}
	if bridgeCodec.MaxType != schema.MaxBridgeType {
		t.Errorf("bridge codec max type: got 0x%02x, want 0x%02x", bridgeCodec.MaxType, schema.MaxBridgeType)
	}

	// The namespaces must reject each other: a frame encoded for one
	// codec never decodes under the other.
	encoded, err := ipcCodec.Encode(wire.Frame{Type: schema.MsgHeartbeat})
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if _, err := bridgeCodec.NewDecoder().Decode(encoded); err == nil {
		t.Fatal("bridge decoder accepted an IPC frame")
	}
}

func TestNewHello(t *testing.T) {
	t.Parallel()
	hello := NewHello(schema.KindWorker, "worker/3", "run-abc")
	if hello.Kind != schema.KindWorker {
		t.Errorf("kind: got %q, want worker", hello.Kind)
	}
	if hello.Name != "worker/3" {
		t.Errorf("name: got %q, want worker/3", hello.Name)
	}
	if hello.RunID != "run-abc" {
		t.Errorf("run id: got %q, want run-abc", hello.RunID)
	}
	if hello.PID != os.Getpid() {
		t.Errorf("pid: got %d, want %d", hello.PID, os.Getpid())
	}
}
