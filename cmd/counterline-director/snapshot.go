// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/queueworks/counterline/lib/hwinfo"
	"github.com/queueworks/counterline/lib/schema"
)

// buildSnapshot assembles the aggregated run state for a control
// client. Pure read of control-loop-owned state; safe to call on every
// snapshot request.
func (d *Director) buildSnapshot() schema.Snapshot {
	now := d.clk.Now()
	snapshot := schema.Snapshot{
		RunID:           d.runID,
		TakenAt:         now,
		UptimeMillis:    uint64(now.Sub(d.startedAt).Milliseconds()),
		Paused:          d.paused,
		Tickets:         d.tickets.Counters(),
		Router:          d.router.Counters(),
		ControlSessions: len(d.sessions),
	}
	for _, id := range d.order {
		handle := d.handles[id]
		snapshot.Processes = append(snapshot.Processes, schema.ProcessStatus{
			Name:              handle.name,
			Kind:              handle.kind,
			Health:            handle.health,
			PID:               handle.pid,
			Restarts:          handle.restarts,
			SendQueueDepth:    handle.ch.QueueDepth(),
			BackpressureDrops: handle.ch.BackpressureDrops(),
		})
	}
	return snapshot
}

// hostInfo returns the director's view of the host, collected once.
func (d *Director) hostInfo() schema.HostInfo {
	if d.host == (schema.HostInfo{}) {
		info, err := hwinfo.Collect()
		if err != nil {
			d.logger.Warn("host info collection failed", "error", err)
		}
		d.host = info
	}
	return d.host
}
