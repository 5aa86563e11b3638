// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/queueworks/counterline/lib/channel"
	"github.com/queueworks/counterline/lib/clock"
	"github.com/queueworks/counterline/lib/codec"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

// pollInterval is the manager loop's idle sleep.
const pollInterval = 2 * time.Millisecond

// ownerStats aggregates ticket activity for one user.
type ownerStats struct {
	dispatched uint64
	completed  uint64
	failed     uint64
}

// manager aggregates ticket state changes across the whole user
// population. It is the read side of the simulation: the director
// forwards every ticket update here, and the manager keeps per-owner
// tallies.
type manager struct {
	name   string
	cfg    *config.Config
	clk    clock.Clock
	ch     *channel.Channel
	logger *slog.Logger

	heartbeat    *clock.Ticker
	heartbeatSeq uint64

	owners  map[uint64]*ownerStats
	updates uint64

	draining    bool
	drainedSent bool
}

func newManager(name string, cfg *config.Config, clk clock.Clock, ch *channel.Channel, logger *slog.Logger) *manager {
	return &manager{
		name:      name,
		cfg:       cfg,
		clk:       clk,
		ch:        ch,
		logger:    logger,
		heartbeat: clk.NewTicker(cfg.Heartbeat.Interval.Std()),
		owners:    make(map[uint64]*ownerStats),
	}
}

// run drives the manager until the drain completes or the link drops.
func (m *manager) run(hello schema.Hello) error {
	defer m.heartbeat.Stop()
	if err := m.send(schema.MsgHello, hello); err != nil {
		return fmt.Errorf("queueing hello: %w", err)
	}
	for {
		err := m.step()
		if m.drainedSent && m.ch.QueueDepth() == 0 {
			completed, failed := m.totals()
			m.logger.Info("drain complete", "owners", len(m.owners), "completed", completed, "failed", failed)
			return nil
		}
		if err != nil {
			return fmt.Errorf("ipc link lost: %w", err)
		}
		m.clk.Sleep(pollInterval)
	}
}

// step runs one loop iteration.
func (m *manager) step() error {
	frames, err := m.ch.PollIO()
	for _, frame := range frames {
		m.handleFrame(frame)
	}

	if m.draining && !m.drainedSent {
		completed, failed := m.totals()
		sendErr := m.send(schema.MsgDrained, schema.Drained{Completed: completed, Failed: failed})
		if sendErr == nil {
			m.drainedSent = true
		}
	}

	select {
	case <-m.heartbeat.C:
		m.heartbeatSeq++
		sendErr := m.send(schema.MsgHeartbeat, schema.Heartbeat{Sequence: m.heartbeatSeq})
		if sendErr != nil {
			m.logger.Warn("heartbeat not queued", "error", sendErr)
		}
	default:
	}
	return err
}

func (m *manager) handleFrame(frame wire.Frame) {
	switch frame.Type {
	case schema.MsgTicketUpdate:
		var update schema.TicketUpdate
		if err := codec.Unmarshal(frame.Payload, &update); err != nil {
			m.logger.Warn("malformed ticket update", "error", err)
			return
		}
		m.record(update)
	case schema.MsgShutdown:
		m.draining = true
		m.logger.Info("draining", "updates", m.updates)
	default:
		m.logger.Warn("unexpected frame", "message_type", fmt.Sprintf("0x%02x", frame.Type))
	}
}

// record tallies one ticket state change against its owner.
func (m *manager) record(update schema.TicketUpdate) {
	stats, ok := m.owners[update.Owner]
	if !ok {
		stats = &ownerStats{}
		m.owners[update.Owner] = stats
	}
	switch update.State {
	case schema.TicketDispatched:
		stats.dispatched++
	case schema.TicketCompleted:
		stats.completed++
	case schema.TicketFailed:
		stats.failed++
	default:
		m.logger.Warn("update with unexpected state", "state", update.State)
		return
	}
	m.updates++
	// Summarize at powers of two so the log grows logarithmically with
	// traffic.
	if m.updates&(m.updates-1) == 0 {
		completed, failed := m.totals()
		m.logger.Info("aggregation summary",
			"updates", m.updates,
			"owners", len(m.owners),
			"completed", completed,
			"failed", failed,
		)
	}
}

// totals sums terminal outcomes across all owners.
func (m *manager) totals() (completed, failed uint64) {
	for _, stats := range m.owners {
		completed += stats.completed
		failed += stats.failed
	}
	return completed, failed
}

func (m *manager) send(messageType uint8, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return err
	}
	return m.ch.Send(wire.Frame{Type: messageType, Payload: body})
}
