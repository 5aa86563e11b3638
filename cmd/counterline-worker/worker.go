// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/queueworks/counterline/lib/channel"
	"github.com/queueworks/counterline/lib/clock"
	"github.com/queueworks/counterline/lib/codec"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

// pollInterval is the worker loop's idle sleep.
const pollInterval = 2 * time.Millisecond

// activeTask is one assignment being serviced. Service is simulated:
// the task completes when the clock passes doneAt.
type activeTask struct {
	ticketID  uint64
	owner     uint64
	startedAt time.Time
	doneAt    time.Time
}

// worker services task assignments from the director. All state is
// owned by the single loop in run; the clock, channel, and RNG are
// injected for tests.
type worker struct {
	name   string
	cfg    *config.Config
	clk    clock.Clock
	ch     *channel.Channel
	logger *slog.Logger
	rng    *rand.Rand

	heartbeat    *clock.Ticker
	heartbeatSeq uint64

	tasks     []activeTask
	completed uint64
	failed    uint64

	// draining is set on receipt of a shutdown frame; drainedSent once
	// the final Drained frame has been queued.
	draining    bool
	drainedSent bool
}

func newWorker(name string, cfg *config.Config, clk clock.Clock, ch *channel.Channel, logger *slog.Logger) *worker {
	return &worker{
		name:      name,
		cfg:       cfg,
		clk:       clk,
		ch:        ch,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		heartbeat: clk.NewTicker(cfg.Heartbeat.Interval.Std()),
	}
}

// run drives the worker until the drain completes or the link drops.
func (w *worker) run(hello schema.Hello) error {
	defer w.heartbeat.Stop()
	if err := w.send(schema.MsgHello, hello); err != nil {
		return fmt.Errorf("queueing hello: %w", err)
	}
	for {
		err := w.step()
		if w.drainedSent && w.ch.QueueDepth() == 0 {
			w.logger.Info("drain complete", "completed", w.completed, "failed", w.failed)
			return nil
		}
		if err != nil {
			return fmt.Errorf("ipc link lost: %w", err)
		}
		w.clk.Sleep(pollInterval)
	}
}

// step runs one loop iteration: poll I/O, handle frames, complete due
// tasks, heartbeat when the ticker fires.
func (w *worker) step() error {
	frames, err := w.ch.PollIO()
	for _, frame := range frames {
		w.handleFrame(frame)
	}
	w.completeDue()

	select {
	case <-w.heartbeat.C:
		w.heartbeatSeq++
		sendErr := w.send(schema.MsgHeartbeat, schema.Heartbeat{
			Sequence: w.heartbeatSeq,
			InFlight: uint32(len(w.tasks)),
		})
		if sendErr != nil {
			w.logger.Warn("heartbeat not queued", "error", sendErr)
		}
	default:
	}
	return err
}

func (w *worker) handleFrame(frame wire.Frame) {
	switch frame.Type {
	case schema.MsgTaskAssign:
		var assign schema.TaskAssign
		if err := codec.Unmarshal(frame.Payload, &assign); err != nil {
			w.logger.Warn("malformed task assignment", "error", err)
			return
		}
		w.acceptTask(assign)
	case schema.MsgShutdown:
		var shutdown schema.Shutdown
		if err := codec.Unmarshal(frame.Payload, &shutdown); err != nil {
			w.logger.Warn("malformed shutdown frame", "error", err)
			return
		}
		w.beginDrain(shutdown.DrainLimit)
	default:
		w.logger.Warn("unexpected frame", "message_type", fmt.Sprintf("0x%02x", frame.Type))
	}
}

// acceptTask starts servicing an assignment. Assignments arriving
// after a shutdown frame are failed immediately so the director's
// ticket table does not leak.
func (w *worker) acceptTask(assign schema.TaskAssign) {
	now := w.clk.Now()
	if w.draining {
		w.reportStatus(activeTask{ticketID: assign.TicketID, owner: assign.Owner, startedAt: now}, schema.TicketFailed)
		return
	}
	w.tasks = append(w.tasks, activeTask{
		ticketID:  assign.TicketID,
		owner:     assign.Owner,
		startedAt: now,
		doneAt:    now.Add(w.serviceTime()),
	})
	w.logger.Debug("task accepted", "ticket", assign.TicketID, "in_flight", len(w.tasks))
}

// serviceTime draws a uniform simulated service duration.
func (w *worker) serviceTime() time.Duration {
	low := w.cfg.Worker.ServiceTimeMin.Std()
	high := w.cfg.Worker.ServiceTimeMax.Std()
	if high <= low {
		return low
	}
	return low + time.Duration(w.rng.Int64N(int64(high-low)))
}

// completeDue reports every task whose simulated service has finished.
func (w *worker) completeDue() {
	now := w.clk.Now()
	remaining := w.tasks[:0]
	for _, task := range w.tasks {
		if task.doneAt.After(now) {
			remaining = append(remaining, task)
			continue
		}
		state := schema.TicketCompleted
		if w.rng.Float64() < w.cfg.Worker.FailureRate {
			state = schema.TicketFailed
		}
		w.reportStatus(task, state)
	}
	w.tasks = remaining

	if w.draining && len(w.tasks) == 0 && !w.drainedSent {
		err := w.send(schema.MsgDrained, schema.Drained{Completed: w.completed, Failed: w.failed})
		if err != nil {
			w.logger.Warn("drained frame not queued", "error", err)
			return
		}
		w.drainedSent = true
	}
}

// beginDrain trims in-flight work to the drain limit, failing the
// excess immediately, and stops accepting new assignments.
func (w *worker) beginDrain(limit uint32) {
	w.draining = true
	w.logger.Info("draining", "in_flight", len(w.tasks), "limit", limit)
	if uint32(len(w.tasks)) > limit {
		for _, task := range w.tasks[limit:] {
			w.reportStatus(task, schema.TicketFailed)
		}
		w.tasks = w.tasks[:limit]
	}
}

func (w *worker) reportStatus(task activeTask, state schema.TicketState) {
	switch state {
	case schema.TicketCompleted:
		w.completed++
	case schema.TicketFailed:
		w.failed++
	}
	status := schema.TaskStatus{
		TicketID:      task.ticketID,
		Owner:         task.owner,
		State:         state,
		ServiceMillis: uint32(w.clk.Now().Sub(task.startedAt).Milliseconds()),
	}
	if err := w.send(schema.MsgTaskStatus, status); err != nil {
		w.logger.Warn("task status not queued", "ticket", task.ticketID, "error", err)
	}
}

func (w *worker) send(messageType uint8, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return err
	}
	return w.ch.Send(wire.Frame{Type: messageType, Payload: body})
}
