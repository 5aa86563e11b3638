// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc provides the subordinate side of the director's IPC
// link. A subordinate inherits its end of the socketpair as file
// descriptor 3 and wraps it into a Channel speaking the IPC frame
// namespace; the first frame out is always a Hello.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/queueworks/counterline/lib/channel"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/hwinfo"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

// FD is the file descriptor number a subordinate inherits its IPC
// socketpair end on. The director places it via ExtraFiles.
const FD = 3

// NewIPCCodec builds the frame codec for director-subordinate links.
func NewIPCCodec(cfg config.ChannelConfig) *wire.Codec {
	return &wire.Codec{
		Version:           wire.VersionIPC,
		MaxType:           schema.MaxIPCType,
		MaxFrameSize:      cfg.MaxFrameSize,
		CompressThreshold: cfg.CompressThreshold,
	}
}

// NewBridgeCodec builds the frame codec for control bridge links.
func NewBridgeCodec(cfg config.ChannelConfig) *wire.Codec {
	return &wire.Codec{
		Version:           wire.VersionBridge,
		MaxType:           schema.MaxBridgeType,
		MaxFrameSize:      cfg.MaxFrameSize,
		CompressThreshold: cfg.CompressThreshold,
	}
}

// Open wraps the inherited descriptor into a connected Channel. Called
// once at subordinate startup; there is no reattachment on the
// subordinate side. If the link drops, the process exits and the
// director respawns it.
func Open(name string, cfg config.ChannelConfig) (*channel.Channel, error) {
	file := os.NewFile(FD, "ipc")
	if file == nil {
		return nil, errors.New("ipc: descriptor 3 is not open; not started by the director?")
	}
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc: wrapping inherited descriptor: %w", err)
	}
	stream, ok := conn.(channel.Stream)
	if !ok {
		conn.Close()
		return nil, errors.New("ipc: inherited descriptor is not a raw-capable stream")
	}

	ch := channel.New(name, NewIPCCodec(cfg))
	ch.Capacity = cfg.SendQueueCapacity
	if err := ch.Attach(stream); err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

// NewHello builds the announcement frame payload for this process.
func NewHello(kind schema.ProcessKind, name, runID string) schema.Hello {
	host, err := hwinfo.Collect()
	if err != nil {
		// Host info is informational; an empty struct is acceptable.
		host = schema.HostInfo{}
	}
	return schema.Hello{
		Kind:  kind,
		Name:  name,
		PID:   os.Getpid(),
		RunID: runID,
		Host:  host,
	}
}
