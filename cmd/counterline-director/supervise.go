// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/queueworks/counterline/lib/backoff"
	"github.com/queueworks/counterline/lib/channel"
	"github.com/queueworks/counterline/lib/schema"
)

// spawnResult describes a started subordinate process.
type spawnResult struct {
	pid int

	// wait blocks until the process exits. Called exactly once, from
	// the exit-waiter goroutine.
	wait func() error

	// kill forcibly terminates the process. Used when a drain deadline
	// expires.
	kill func() error
}

// spawner starts one subordinate process with its end of the IPC
// socketpair handed over as file descriptor 3. Tests substitute an
// in-process fake that keeps the descriptor and plays the subordinate.
type spawner func(kind schema.ProcessKind, name string, ipc *os.File) (spawnResult, error)

// execSpawner returns the production spawner: fork/exec of the
// per-kind binary with the run id on the command line and the shared
// config file in the environment.
func execSpawner(binaries map[schema.ProcessKind]string, configPath, runID string) spawner {
	return func(kind schema.ProcessKind, name string, ipc *os.File) (spawnResult, error) {
		binary, ok := binaries[kind]
		if !ok {
			return spawnResult{}, fmt.Errorf("no binary configured for kind %q", kind)
		}
		cmd := exec.Command(binary, "--name", name, "--run-id", runID)
		cmd.Env = append(os.Environ(), "COUNTERLINE_CONFIG="+configPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		// ExtraFiles[0] becomes fd 3 in the child.
		cmd.ExtraFiles = []*os.File{ipc}
		if err := cmd.Start(); err != nil {
			return spawnResult{}, fmt.Errorf("starting %s: %w", name, err)
		}
		return spawnResult{
			pid:  cmd.Process.Pid,
			wait: cmd.Wait,
			kill: cmd.Process.Kill,
		}, nil
	}
}

// processHandle is the director's supervisory record for one
// subordinate. Owned by the control loop; not synchronized.
type processHandle struct {
	// id is the handle id, used as the dispatch origin for frames
	// arriving on this subordinate's channel. Never reused within a
	// run.
	id uint64

	kind schema.ProcessKind
	name string

	// ch is the director's end of the IPC link. Survives respawns:
	// a fresh socketpair end is attached to the same channel, so
	// queued frames carry over to the replacement process.
	ch *channel.Channel

	health schema.Health
	pid    int

	// restarts counts respawns performed for this handle.
	restarts uint32

	// retry is the respawn delay schedule. Reset when the subordinate
	// reports healthy again.
	retry *backoff.State

	// lastHeartbeat is when the most recent heartbeat (or hello)
	// arrived.
	lastHeartbeat time.Time
	heartbeatSeq  uint64
	inFlight      uint32

	// respawnAt is when a crashed subordinate becomes due for respawn.
	// Zero when no respawn is scheduled.
	respawnAt time.Time

	// running is true between a successful spawn and the observed
	// exit.
	running bool

	// drained is set when the subordinate's final Drained frame
	// arrives during shutdown.
	drained bool

	// kill terminates the current process. Valid only while running.
	kill func() error

	host schema.HostInfo
}

// exitEvent is posted by an exit-waiter goroutine when a subordinate's
// process terminates.
type exitEvent struct {
	handleID uint64
	err      error
}

// spawnAll starts the full population: the users manager first, so
// ticket updates always have a destination, then workers, then users.
func (d *Director) spawnAll() error {
	manager, err := d.addSubordinate(schema.KindUsersManager, "users-manager")
	if err != nil {
		return err
	}
	d.managerID = manager.id

	for i := range d.cfg.Run.Workers {
		handle, err := d.addSubordinate(schema.KindWorker, fmt.Sprintf("worker/%d", i))
		if err != nil {
			return err
		}
		d.workerRing = append(d.workerRing, handle.id)
	}
	for i := range d.cfg.Run.Users {
		if _, err := d.addSubordinate(schema.KindUser, fmt.Sprintf("user/%d", i)); err != nil {
			return err
		}
	}
	return nil
}

// addSubordinate registers a new handle and performs its first spawn.
func (d *Director) addSubordinate(kind schema.ProcessKind, name string) (*processHandle, error) {
	id, err := d.handleIDs.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating handle id for %s: %w", name, err)
	}
	retry, err := backoff.New(
		d.cfg.Supervision.BackoffBase.Std(),
		d.cfg.Supervision.BackoffMax.Std(),
		d.cfg.Supervision.BackoffJitterPct,
	)
	if err != nil {
		return nil, fmt.Errorf("building backoff for %s: %w", name, err)
	}

	ch := channel.New(name, d.ipcCodec)
	ch.Capacity = d.cfg.Channel.SendQueueCapacity
	ch.Logger = d.logger

	handle := &processHandle{
		id:     id,
		kind:   kind,
		name:   name,
		ch:     ch,
		health: schema.HealthStarting,
		retry:  retry,
	}
	d.handles[id] = handle
	d.order = append(d.order, id)

	if err := d.spawnProcess(handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// spawnProcess creates a fresh socketpair, attaches the director's end
// to the handle's channel, and starts the subordinate with the other
// end. Used for both the initial spawn and respawns.
func (d *Director) spawnProcess(handle *processHandle) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socketpair for %s: %w", handle.name, err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), handle.name+" (supervisor)")
	childFile := os.NewFile(uintptr(fds[1]), handle.name+" (subordinate)")

	// net.FileConn registers the descriptor with the runtime poller and
	// puts it in non-blocking mode, which channel.PollIO relies on.
	parentConn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return fmt.Errorf("wrapping supervisor end for %s: %w", handle.name, err)
	}
	stream, ok := parentConn.(channel.Stream)
	if !ok {
		parentConn.Close()
		childFile.Close()
		return fmt.Errorf("supervisor end for %s is not a raw-capable stream", handle.name)
	}

	result, err := d.spawn(handle.kind, handle.name, childFile)
	childFile.Close()
	if err != nil {
		parentConn.Close()
		return fmt.Errorf("spawning %s: %w", handle.name, err)
	}

	if err := handle.ch.Attach(stream); err != nil {
		result.kill()
		return fmt.Errorf("attaching channel for %s: %w", handle.name, err)
	}

	handle.pid = result.pid
	handle.kill = result.kill
	handle.running = true
	handle.health = schema.HealthStarting
	handle.respawnAt = time.Time{}
	// Grace period: a fresh process has sent nothing yet, so liveness
	// accounting starts at the spawn instant.
	handle.lastHeartbeat = d.clk.Now()

	go func(id uint64, wait func() error) {
		d.exitEvents <- exitEvent{handleID: id, err: wait()}
	}(handle.id, result.wait)

	d.logger.Info("subordinate started",
		"name", handle.name,
		"kind", handle.kind,
		"pid", handle.pid,
		"restarts", handle.restarts,
	)
	return nil
}

// drainExitEvents consumes pending exit notifications without
// blocking. A crashed subordinate is scheduled for respawn unless its
// restart budget is spent, in which case it is terminally Failed.
func (d *Director) drainExitEvents() {
	for {
		select {
		case event := <-d.exitEvents:
			d.handleExit(event)
		default:
			return
		}
	}
}

func (d *Director) handleExit(event exitEvent) {
	handle, ok := d.handles[event.handleID]
	if !ok {
		return
	}
	handle.running = false
	handle.pid = 0
	handle.kill = nil
	handle.inFlight = 0

	if d.stopping {
		d.logger.Info("subordinate exited during shutdown",
			"name", handle.name, "error", event.err, "drained", handle.drained)
		handle.health = schema.HealthCrashed
		return
	}

	handle.health = schema.HealthCrashed
	d.metrics.Count("process.crashes", 1)

	if handle.restarts >= d.cfg.Supervision.MaxRestarts {
		handle.health = schema.HealthFailed
		d.logger.Error("subordinate failed permanently",
			"name", handle.name,
			"restarts", handle.restarts,
			"error", event.err,
		)
		return
	}

	delay := handle.retry.NextDelay()
	handle.respawnAt = d.clk.Now().Add(delay)
	d.logger.Warn("subordinate crashed, respawn scheduled",
		"name", handle.name,
		"error", event.err,
		"delay", delay,
		"attempt", handle.retry.Attempt(),
	)
}

// respawnDue restarts crashed subordinates whose backoff delay has
// elapsed.
func (d *Director) respawnDue() {
	if d.stopping {
		return
	}
	now := d.clk.Now()
	for _, id := range d.order {
		handle := d.handles[id]
		if handle.health != schema.HealthCrashed || handle.running {
			continue
		}
		if handle.respawnAt.IsZero() || now.Before(handle.respawnAt) {
			continue
		}
		handle.restarts++
		if err := d.spawnProcess(handle); err != nil {
			d.logger.Error("respawn failed", "name", handle.name, "error", err)
			// Treat a failed spawn like a crash: schedule another try.
			d.handleExit(exitEvent{handleID: handle.id, err: err})
		}
	}
}

// checkHealth degrades subordinates whose heartbeats have stopped
// arriving. Degradation is observational: the process keeps running
// and recovers to Healthy on its next heartbeat.
func (d *Director) checkHealth() {
	limit := d.cfg.Heartbeat.Interval.Std() * time.Duration(d.cfg.Heartbeat.MissThreshold)
	now := d.clk.Now()
	for _, id := range d.order {
		handle := d.handles[id]
		if !handle.running || handle.health != schema.HealthHealthy {
			continue
		}
		if now.Sub(handle.lastHeartbeat) > limit {
			handle.health = schema.HealthDegraded
			d.logger.Warn("subordinate degraded",
				"name", handle.name,
				"last_heartbeat", handle.lastHeartbeat,
				"threshold", limit,
			)
		}
	}
}

// beginShutdown broadcasts shutdown frames and starts the drain clock.
// Idempotent: only the first call arms the deadline.
func (d *Director) beginShutdown() {
	if d.stopping {
		return
	}
	d.stopping = true
	d.drainDeadline = d.clk.Now().Add(d.cfg.Supervision.DrainTimeout.Std())
	d.logger.Info("shutdown initiated", "drain_timeout", d.cfg.Supervision.DrainTimeout.Std())

	payload := schema.Shutdown{DrainLimit: d.cfg.Worker.DrainLimit}
	for _, id := range d.order {
		handle := d.handles[id]
		if !handle.running {
			continue
		}
		if err := d.send(handle, schema.MsgShutdown, payload); err != nil {
			d.logger.Warn("shutdown frame not queued", "name", handle.name, "error", err)
		}
	}
}

// shutdownComplete reports whether every subordinate has exited. Past
// the drain deadline it kills stragglers; completion then waits for
// their exit events so no waiter goroutine outlives Run.
func (d *Director) shutdownComplete() bool {
	anyRunning := false
	for _, id := range d.order {
		if d.handles[id].running {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		return true
	}
	if d.clk.Now().Before(d.drainDeadline) {
		return false
	}
	for _, id := range d.order {
		handle := d.handles[id]
		if handle.running && handle.kill != nil {
			d.logger.Warn("drain deadline expired, killing subordinate", "name", handle.name)
			handle.kill()
			handle.kill = nil
		}
	}
	return false
}
