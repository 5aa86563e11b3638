// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/queueworks/counterline/lib/channel"
	"github.com/queueworks/counterline/lib/codec"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/version"
	"github.com/queueworks/counterline/lib/wire"
)

// controlSession is one attached control client. Sessions speak the
// bridge frame namespace over a channel wrapping the accepted
// connection; like subordinate channels, they are polled from the
// control loop and never block it.
type controlSession struct {
	id uint64
	ch *channel.Channel
}

// startControl binds the control socket and starts the accept
// goroutine. Accepted connections are handed to the control loop
// through the accepted channel; the goroutine itself touches no
// director state.
func (d *Director) startControl() error {
	path := d.cfg.Control.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating control socket directory: %w", err)
	}
	// A stale socket file from a previous run blocks the bind.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale control socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on control socket %s: %w", path, err)
	}
	d.listener = listener

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				// Listener closed during shutdown.
				return
			}
			select {
			case d.accepted <- conn:
			default:
				// The control loop is not draining; shed the client.
				conn.Close()
			}
		}
	}()

	d.logger.Info("control socket ready", "path", path)
	return nil
}

// closeControl tears down the listener and all sessions.
func (d *Director) closeControl() {
	if d.listener != nil {
		d.listener.Close()
	}
	for id, session := range d.sessions {
		session.ch.Close()
		delete(d.sessions, id)
	}
}

// acceptSessions admits pending control connections. Session ids come
// from the free-list allocator: a bounded range reused as viewers
// attach and detach.
func (d *Director) acceptSessions() {
	for {
		select {
		case conn := <-d.accepted:
			d.admitSession(conn)
		default:
			return
		}
	}
}

func (d *Director) admitSession(conn net.Conn) {
	if len(d.sessions) >= d.cfg.Control.MaxSessions {
		d.logger.Warn("control session refused, at capacity",
			"max_sessions", d.cfg.Control.MaxSessions)
		conn.Close()
		return
	}
	stream, ok := conn.(channel.Stream)
	if !ok {
		d.logger.Warn("control connection lacks a raw descriptor; dropped")
		conn.Close()
		return
	}
	id, err := d.sessionIDs.Allocate()
	if err != nil {
		d.logger.Error("session id allocation failed", "error", err)
		conn.Close()
		return
	}

	ch := channel.New(fmt.Sprintf("control/%d", id), d.bridgeCodec)
	ch.Capacity = d.cfg.Channel.SendQueueCapacity
	ch.Logger = d.logger
	if err := ch.Attach(stream); err != nil {
		d.logger.Warn("control session attach failed", "error", err)
		d.sessionIDs.Release(id)
		conn.Close()
		return
	}

	session := &controlSession{id: id, ch: ch}
	d.sessions[id] = session

	hello := schema.BridgeHello{
		RunID:           d.runID,
		SessionID:       id,
		StartedAt:       d.startedAt,
		DirectorVersion: version.Info(),
		Host:            d.hostInfo(),
	}
	if err := d.sendSession(session, schema.BridgeMsgHello, hello); err != nil {
		d.logger.Warn("bridge hello not queued", "session", id, "error", err)
	}
	d.logger.Info("control session attached", "session", id)
}

// dropSession closes a session and returns its id to the free list.
func (d *Director) dropSession(session *controlSession) {
	session.ch.Close()
	delete(d.sessions, session.id)
	if err := d.sessionIDs.Release(session.id); err != nil {
		d.logger.Error("session id release failed", "session", session.id, "error", err)
	}
	d.logger.Info("control session detached", "session", session.id)
}

// pollSessions moves bytes on every control session and serves
// completed requests. A failed session is dropped, not reconnected:
// the client dials again and gets a fresh session.
func (d *Director) pollSessions() {
	for _, session := range d.sessions {
		frames, err := session.ch.PollIO()
		for _, frame := range frames {
			d.handleControlFrame(session, frame)
		}
		if err != nil {
			d.dropSession(session)
		}
	}
}

func (d *Director) handleControlFrame(session *controlSession, frame wire.Frame) {
	switch frame.Type {
	case schema.BridgeMsgSnapshotRequest:
		if err := d.sendSession(session, schema.BridgeMsgSnapshot, d.buildSnapshot()); err != nil {
			d.logger.Warn("snapshot not queued", "session", session.id, "error", err)
		}
	case schema.BridgeMsgCommand:
		var command schema.Command
		result := schema.CommandResult{OK: true}
		if err := codec.Unmarshal(frame.Payload, &command); err != nil {
			result = schema.CommandResult{OK: false, Error: fmt.Sprintf("malformed command: %v", err)}
		} else if err := d.applyCommand(command.Verb); err != nil {
			result = schema.CommandResult{OK: false, Error: err.Error()}
		}
		if err := d.sendSession(session, schema.BridgeMsgCommandResult, result); err != nil {
			d.logger.Warn("command result not queued", "session", session.id, "error", err)
		}
	default:
		d.logger.Warn("unexpected control frame",
			"session", session.id,
			"message_type", fmt.Sprintf("0x%02x", frame.Type),
		)
	}
}

// applyCommand executes a steering verb from a control client.
func (d *Director) applyCommand(verb string) error {
	switch verb {
	case schema.CommandPause:
		d.paused = true
		d.logger.Info("ticket intake paused")
	case schema.CommandResume:
		if d.stopping {
			return errors.New("run is stopping; resume refused")
		}
		d.paused = false
		d.logger.Info("ticket intake resumed")
	case schema.CommandStop:
		d.beginShutdown()
	default:
		return fmt.Errorf("unknown command verb %q", verb)
	}
	return nil
}

// sendSession marshals a payload onto a control session's channel.
func (d *Director) sendSession(session *controlSession, messageType uint8, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling bridge 0x%02x: %w", messageType, err)
	}
	return session.ch.Send(wire.Frame{Type: messageType, Payload: body})
}
