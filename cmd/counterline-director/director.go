// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/counterline/lib/channel"
	"github.com/queueworks/counterline/lib/clock"
	"github.com/queueworks/counterline/lib/codec"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/ident"
	"github.com/queueworks/counterline/lib/ipc"
	"github.com/queueworks/counterline/lib/metrics"
	"github.com/queueworks/counterline/lib/router"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/ticket"
	"github.com/queueworks/counterline/lib/wire"
)

// loopInterval is the control loop's idle sleep. Every iteration polls
// all channels; the interval only bounds wakeup latency when nothing is
// ready.
const loopInterval = 2 * time.Millisecond

// Director owns the whole run: it spawns and supervises the
// subordinate population, issues tickets, routes frames between
// participants, and serves control clients on the Unix control socket.
//
// All state below is owned by the single control loop in Run. The only
// concurrent inputs are the exit-waiter goroutines and the control
// accept goroutine, both of which communicate through buffered
// channels drained by the loop.
type Director struct {
	cfg     *config.Config
	clk     clock.Clock
	logger  *slog.Logger
	spawn   spawner
	metrics metrics.Sink

	runID     string
	startedAt time.Time

	ipcCodec    *wire.Codec
	bridgeCodec *wire.Codec

	router  *router.Router
	issuer  *ticket.Issuer
	tickets *ticket.Table

	// handleIDs issues dispatch origins. Monotonic: a respawned
	// process keeps its handle id, and ids of failed handles are never
	// recycled.
	handleIDs *ident.Allocator
	handles   map[uint64]*processHandle

	// order preserves registration order for deterministic iteration
	// and snapshots.
	order []uint64

	// workerRing holds worker handle ids for round-robin assignment.
	workerRing []uint64
	nextWorker int
	managerID  uint64

	paused        bool
	stopping      bool
	drainDeadline time.Time

	// host is the director's own host view, collected lazily for
	// bridge hellos. Subordinates report theirs in Hello frames.
	host schema.HostInfo

	exitEvents chan exitEvent
	accepted   chan net.Conn

	listener net.Listener

	// sessionIDs issues control session ids from a free list: sessions
	// come and go, and the live set is bounded by MaxSessions.
	sessionIDs *ident.Allocator
	sessions   map[uint64]*controlSession
}

// newRunID mints the identifier shared by every participant of a run.
func newRunID() string {
	return uuid.NewString()
}

// newDirector wires a Director from its dependencies. The run id is
// minted by the caller because the spawner embeds it in subordinate
// command lines. The spawner and clock are injectable so tests can run
// the whole supervision loop in-process against a fake clock.
func newDirector(cfg *config.Config, runID string, clk clock.Clock, logger *slog.Logger, spawn spawner, sink metrics.Sink) (*Director, error) {
	d := &Director{
		cfg:     cfg,
		clk:     clk,
		logger:  logger,
		spawn:   spawn,
		metrics: sink,

		runID:     runID,
		startedAt: clk.Now(),

		ipcCodec:    ipc.NewIPCCodec(cfg.Channel),
		bridgeCodec: ipc.NewBridgeCodec(cfg.Channel),

		router:  router.New(),
		issuer:  ticket.NewIssuer(clk),
		tickets: ticket.NewTable(),

		handleIDs: ident.NewMonotonic(),
		handles:   make(map[uint64]*processHandle),

		exitEvents: make(chan exitEvent, 64),
		accepted:   make(chan net.Conn, 8),

		sessionIDs: ident.NewFreeList(),
		sessions:   make(map[uint64]*controlSession),
	}
	d.router.Logger = logger
	d.paused = cfg.Run.PauseOnStart

	if err := d.registerHandlers(); err != nil {
		return nil, err
	}
	return d, nil
}

// Run executes the full run: start the control listener, spawn the
// population, loop until a stop command or signal completes the drain.
func (d *Director) Run(ctx context.Context) error {
	if err := d.startControl(); err != nil {
		return err
	}
	defer d.closeControl()

	if err := d.spawnAll(); err != nil {
		return fmt.Errorf("spawning population: %w", err)
	}
	d.logger.Info("run started",
		"run_id", d.runID,
		"workers", d.cfg.Run.Workers,
		"users", d.cfg.Run.Users,
		"paused", d.paused,
	)

	for {
		if ctx.Err() != nil {
			d.beginShutdown()
		}

		d.drainExitEvents()
		d.acceptSessions()
		d.pollSubordinates()
		d.pollSessions()
		d.respawnDue()
		d.checkHealth()

		if d.stopping && d.shutdownComplete() {
			break
		}
		d.clk.Sleep(loopInterval)
	}

	d.logger.Info("run finished",
		"run_id", d.runID,
		"tickets", d.tickets.Counters(),
		"router", d.router.Counters(),
	)
	return nil
}

// pollSubordinates moves bytes on every subordinate channel and
// dispatches completed frames. A lost connection is expected around
// process exit; supervision reacts to the exit event, not the I/O
// error.
func (d *Director) pollSubordinates() {
	for _, id := range d.order {
		handle := d.handles[id]
		if handle.ch.State() == channel.StateClosed {
			continue
		}
		frames, err := handle.ch.PollIO()
		for _, frame := range frames {
			d.router.Dispatch(handle.id, frame)
		}
		if err != nil && !errors.Is(err, channel.ErrConnectionLost) && !errors.Is(err, channel.ErrNotConnected) {
			d.logger.Warn("subordinate channel poll failed", "name", handle.name, "error", err)
		}
	}
	d.metrics.Gauge("tickets.live", float64(d.tickets.Live()))
}

// send marshals a payload and queues it on the subordinate's channel.
func (d *Director) send(handle *processHandle, messageType uint8, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling 0x%02x for %s: %w", messageType, handle.name, err)
	}
	if err := handle.ch.Send(wire.Frame{Type: messageType, Payload: body}); err != nil {
		if errors.Is(err, channel.ErrBackpressure) {
			d.metrics.Count("channel.backpressure", 1)
		}
		return err
	}
	return nil
}

// nextWorkerHandle picks the next usable worker round-robin, skipping
// workers that are down or terminally failed. Returns nil when no
// worker can take an assignment.
func (d *Director) nextWorkerHandle() *processHandle {
	for range d.workerRing {
		handle := d.handles[d.workerRing[d.nextWorker]]
		d.nextWorker = (d.nextWorker + 1) % len(d.workerRing)
		if handle.running && handle.health != schema.HealthFailed {
			return handle
		}
	}
	return nil
}
