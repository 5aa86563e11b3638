// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/queueworks/counterline/lib/codec"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

// registerHandlers binds the director's IPC message handlers. Only
// subordinate-to-director types are registered; anything else arriving
// on an IPC link counts as unroutable and is dropped by the router.
func (d *Director) registerHandlers() error {
	bindings := []struct {
		messageType uint8
		handler     func(*processHandle, wire.Frame) error
	}{
		{schema.MsgHello, d.handleHello},
		{schema.MsgHeartbeat, d.handleHeartbeat},
		{schema.MsgTicketRequest, d.handleTicketRequest},
		{schema.MsgTaskStatus, d.handleTaskStatus},
		{schema.MsgDrained, d.handleDrained},
	}
	for _, binding := range bindings {
		handler := binding.handler
		err := d.router.Register(binding.messageType, func(origin uint64, frame wire.Frame) error {
			handle, ok := d.handles[origin]
			if !ok {
				return fmt.Errorf("frame from unknown origin %d", origin)
			}
			return handler(handle, frame)
		})
		if err != nil {
			return fmt.Errorf("registering handler 0x%02x: %w", binding.messageType, err)
		}
	}
	return nil
}

// handleHello validates the subordinate's first frame. A hello
// announcing a different run id means a stale or foreign process is on
// the link; the link is dropped and the exit path takes over.
func (d *Director) handleHello(handle *processHandle, frame wire.Frame) error {
	var hello schema.Hello
	if err := codec.Unmarshal(frame.Payload, &hello); err != nil {
		return fmt.Errorf("decoding hello from %s: %w", handle.name, err)
	}
	if hello.RunID != d.runID {
		handle.ch.Close()
		return fmt.Errorf("hello from %s announces run %q, want %q; link dropped",
			handle.name, hello.RunID, d.runID)
	}
	handle.host = hello.Host
	handle.lastHeartbeat = d.clk.Now()
	d.logger.Info("subordinate announced",
		"name", handle.name,
		"kind", hello.Kind,
		"pid", hello.PID,
		"host", hello.Host.Hostname,
	)
	return nil
}

// handleHeartbeat records liveness. Starting and Degraded subordinates
// recover to Healthy; recovery also resets the respawn backoff so the
// next crash starts from the base delay.
func (d *Director) handleHeartbeat(handle *processHandle, frame wire.Frame) error {
	var heartbeat schema.Heartbeat
	if err := codec.Unmarshal(frame.Payload, &heartbeat); err != nil {
		return fmt.Errorf("decoding heartbeat from %s: %w", handle.name, err)
	}
	handle.lastHeartbeat = d.clk.Now()
	handle.heartbeatSeq = heartbeat.Sequence
	handle.inFlight = heartbeat.InFlight

	switch handle.health {
	case schema.HealthStarting:
		handle.health = schema.HealthHealthy
		handle.retry.Reset()
		d.logger.Info("subordinate healthy", "name", handle.name)
	case schema.HealthDegraded:
		handle.health = schema.HealthHealthy
		d.logger.Info("subordinate recovered", "name", handle.name)
	}
	return nil
}

// handleTicketRequest runs the full issue-and-dispatch path: issue a
// ticket, grant it to the requesting user, assign it to the next
// worker, and propagate the state change to the users manager.
//
// While paused or stopping the request is dropped; the user's request
// timer retries naturally after resume.
func (d *Director) handleTicketRequest(handle *processHandle, frame wire.Frame) error {
	if d.paused || d.stopping {
		return nil
	}
	var request schema.TicketRequest
	if err := codec.Unmarshal(frame.Payload, &request); err != nil {
		return fmt.Errorf("decoding ticket request from %s: %w", handle.name, err)
	}

	worker := d.nextWorkerHandle()
	if worker == nil {
		// No worker can take the assignment. Refusing before issuance
		// keeps the live table free of tickets that would never be
		// serviced.
		d.logger.Warn("ticket request refused, no worker available", "owner", request.Owner)
		return nil
	}

	issued, err := d.issuer.Issue(request.Owner)
	if err != nil {
		// Allocator exhaustion. Fatal to the run.
		d.beginShutdown()
		return err
	}
	d.tickets.Record(issued)
	d.metrics.Count("tickets.issued", 1)

	grant := schema.TicketGrant{TicketID: issued.ID, Owner: issued.Owner}
	if err := d.send(handle, schema.MsgTicketGrant, grant); err != nil {
		d.logger.Warn("ticket grant not queued", "owner", issued.Owner, "error", err)
	}

	assign := schema.TaskAssign{TicketID: issued.ID, Owner: issued.Owner}
	if err := d.send(worker, schema.MsgTaskAssign, assign); err != nil {
		return fmt.Errorf("assigning ticket %d to %s: %w", issued.ID, worker.name, err)
	}
	if err := d.tickets.MarkDispatched(issued.ID); err != nil {
		return err
	}
	d.notifyManager(issued.ID, issued.Owner, schema.TicketDispatched)
	return nil
}

// handleTaskStatus retires a dispatched ticket on the worker's report.
func (d *Director) handleTaskStatus(handle *processHandle, frame wire.Frame) error {
	var status schema.TaskStatus
	if err := codec.Unmarshal(frame.Payload, &status); err != nil {
		return fmt.Errorf("decoding task status from %s: %w", handle.name, err)
	}

	retired, err := d.tickets.Complete(status.TicketID, status.State)
	if err != nil {
		// A report for an unknown ticket can follow a director restart
		// or a duplicate status frame. Log through the router and move
		// on.
		return fmt.Errorf("completing ticket from %s: %w", handle.name, err)
	}

	switch status.State {
	case schema.TicketCompleted:
		d.metrics.Count("tickets.completed", 1)
	case schema.TicketFailed:
		d.metrics.Count("tickets.failed", 1)
	}
	d.notifyManager(retired.ID, retired.Owner, status.State)
	return nil
}

// handleDrained records a subordinate's final status frame.
func (d *Director) handleDrained(handle *processHandle, frame wire.Frame) error {
	var drained schema.Drained
	if err := codec.Unmarshal(frame.Payload, &drained); err != nil {
		return fmt.Errorf("decoding drained from %s: %w", handle.name, err)
	}
	handle.drained = true
	d.logger.Info("subordinate drained",
		"name", handle.name,
		"completed", drained.Completed,
		"failed", drained.Failed,
	)
	return nil
}

// notifyManager propagates a ticket state change to the users manager.
// Best effort: the manager aggregates statistics, and a dropped update
// must never stall the ticket path.
func (d *Director) notifyManager(ticketID, owner uint64, state schema.TicketState) {
	manager, ok := d.handles[d.managerID]
	if !ok {
		return
	}
	update := schema.TicketUpdate{TicketID: ticketID, Owner: owner, State: state}
	if err := d.send(manager, schema.MsgTicketUpdate, update); err != nil {
		d.logger.Warn("ticket update not queued", "ticket", ticketID, "error", err)
	}
}
