// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/queueworks/counterline/lib/codec"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/ipc"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

// readTimeout bounds each blocking wait for a reply frame. The
// director answers snapshot requests from its control loop, so a
// healthy run replies within milliseconds.
const readTimeout = 10 * time.Second

// client is a blocking control-protocol client. Unlike the director's
// channels it reads synchronously: the viewer has nothing better to do
// while waiting for a reply.
type client struct {
	conn    net.Conn
	codec   *wire.Codec
	decoder *wire.Decoder
	pending []wire.Frame

	hello schema.BridgeHello
}

// dial connects to a control endpoint. An address containing a colon
// is TCP (a bridge); anything else is the director's Unix socket.
func dial(address string) (*client, error) {
	network := "unix"
	if strings.Contains(address, ":") {
		network = "tcp"
	}
	conn, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	frameCodec := ipc.NewBridgeCodec(config.Default().Channel)
	c := &client{
		conn:    conn,
		codec:   frameCodec,
		decoder: frameCodec.NewDecoder(),
	}

	// The director greets every session before accepting requests.
	frame, err := c.expect(schema.BridgeMsgHello)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("awaiting hello: %w", err)
	}
	if err := codec.Unmarshal(frame.Payload, &c.hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding hello: %w", err)
	}
	return c, nil
}

func (c *client) close() {
	c.conn.Close()
}

// send writes one frame synchronously.
func (c *client) send(messageType uint8, payload any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = codec.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}
	encoded, err := c.codec.Encode(wire.Frame{Type: messageType, Payload: body})
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(encoded); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	return nil
}

// expect reads frames until one of the wanted type arrives, discarding
// anything else (a stale snapshot racing a command result, for
// example).
func (c *client) expect(wantType uint8) (wire.Frame, error) {
	deadline := time.Now().Add(readTimeout)
	buffer := make([]byte, 64*1024)
	for {
		for len(c.pending) > 0 {
			frame := c.pending[0]
			c.pending = c.pending[1:]
			if frame.Type == wantType {
				return frame, nil
			}
		}
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buffer)
		if n > 0 {
			frames, decodeErr := c.decoder.Decode(buffer[:n])
			if decodeErr != nil {
				return wire.Frame{}, fmt.Errorf("decoding reply: %w", decodeErr)
			}
			c.pending = append(c.pending, frames...)
			continue
		}
		if err != nil {
			return wire.Frame{}, fmt.Errorf("reading reply: %w", err)
		}
	}
}

// snapshot requests and returns the current run state.
func (c *client) snapshot() (schema.Snapshot, error) {
	if err := c.send(schema.BridgeMsgSnapshotRequest, nil); err != nil {
		return schema.Snapshot{}, err
	}
	frame, err := c.expect(schema.BridgeMsgSnapshot)
	if err != nil {
		return schema.Snapshot{}, err
	}
	var snapshot schema.Snapshot
	if err := codec.Unmarshal(frame.Payload, &snapshot); err != nil {
		return schema.Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snapshot, nil
}

// command sends a steering verb and returns the director's result.
func (c *client) command(verb string) (schema.CommandResult, error) {
	if err := c.send(schema.BridgeMsgCommand, schema.Command{Verb: verb}); err != nil {
		return schema.CommandResult{}, err
	}
	frame, err := c.expect(schema.BridgeMsgCommandResult)
	if err != nil {
		return schema.CommandResult{}, err
	}
	var result schema.CommandResult
	if err := codec.Unmarshal(frame.Payload, &result); err != nil {
		return schema.CommandResult{}, fmt.Errorf("decoding command result: %w", err)
	}
	return result, nil
}
