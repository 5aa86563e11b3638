// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/queueworks/counterline/lib/channel"
	"github.com/queueworks/counterline/lib/clock"
	"github.com/queueworks/counterline/lib/codec"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/metrics"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

const testRunID = "run-under-test"

// peer drives one end of a framed link from a test: blocking writes
// and deadline-bounded reads against a director that is stepped
// manually on the test goroutine.
type peer struct {
	conn    net.Conn
	codec   *wire.Codec
	decoder *wire.Decoder
	pending []wire.Frame
}

func (p *peer) send(t *testing.T, messageType uint8, payload any) {
	t.Helper()
	body, err := codec.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	encoded, err := p.codec.Encode(wire.Frame{Type: messageType, Payload: body})
	if err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
	if _, err := p.conn.Write(encoded); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// expect reads until a frame arrives and asserts its type. The
// director must have flushed already: the test goroutine is the only
// driver, so expect never waits on future director progress.
func (p *peer) expect(t *testing.T, wantType uint8) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	buffer := make([]byte, 32*1024)
	for {
		if len(p.pending) > 0 {
			frame := p.pending[0]
			p.pending = p.pending[1:]
			if frame.Type != wantType {
				t.Fatalf("frame type: got 0x%02x, want 0x%02x", frame.Type, wantType)
			}
			return frame
		}
		p.conn.SetReadDeadline(deadline)
		n, err := p.conn.Read(buffer)
		if n > 0 {
			frames, decodeErr := p.decoder.Decode(buffer[:n])
			if decodeErr != nil {
				t.Fatalf("decoding frames: %v", decodeErr)
			}
			p.pending = append(p.pending, frames...)
			continue
		}
		if err != nil {
			t.Fatalf("reading frame of type 0x%02x: %v", wantType, err)
		}
	}
}

// expectNone asserts no frame arrives within a short window.
func (p *peer) expectNone(t *testing.T) {
	t.Helper()
	if len(p.pending) > 0 {
		t.Fatalf("unexpected frame of type 0x%02x", p.pending[0].Type)
	}
	p.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buffer := make([]byte, 1024)
	n, err := p.conn.Read(buffer)
	if err == nil || n > 0 {
		t.Fatalf("unexpected %d bytes arrived", n)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("read failed with %v, want timeout", err)
	}
}

// fakeProcess is an in-process stand-in for a spawned subordinate: it
// keeps the child end of the socketpair and speaks the IPC protocol
// from the test goroutine.
type fakeProcess struct {
	peer
	kind schema.ProcessKind
	name string

	exitOnce sync.Once
	exit     chan error
}

// terminate simulates process exit: the link drops and the director's
// exit waiter observes the given error.
func (p *fakeProcess) terminate(err error) {
	p.exitOnce.Do(func() {
		p.conn.Close()
		p.exit <- err
	})
}

func (p *fakeProcess) hello(t *testing.T, runID string) {
	t.Helper()
	p.send(t, schema.MsgHello, schema.Hello{
		Kind:  p.kind,
		Name:  p.name,
		PID:   4242,
		RunID: runID,
	})
}

func (p *fakeProcess) heartbeat(t *testing.T, sequence uint64) {
	t.Helper()
	p.send(t, schema.MsgHeartbeat, schema.Heartbeat{Sequence: sequence})
}

// fakeSpawner records every spawn and wires each subordinate's end of
// the socketpair into a fakeProcess the test can drive.
type fakeSpawner struct {
	codec *wire.Codec

	mu      sync.Mutex
	started []*fakeProcess
}

func (s *fakeSpawner) spawn(kind schema.ProcessKind, name string, ipc *os.File) (spawnResult, error) {
	conn, err := net.FileConn(ipc)
	if err != nil {
		return spawnResult{}, err
	}
	proc := &fakeProcess{
		peer: peer{conn: conn, codec: s.codec, decoder: s.codec.NewDecoder()},
		kind: kind,
		name: name,
		exit: make(chan error, 1),
	}
	s.mu.Lock()
	s.started = append(s.started, proc)
	pid := 4000 + len(s.started)
	s.mu.Unlock()
	return spawnResult{
		pid:  pid,
		wait: func() error { return <-proc.exit },
		kill: func() error { proc.terminate(nil); return nil },
	}, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func (s *fakeSpawner) process(index int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started[index]
}

func newTestDirector(t *testing.T, mutate func(*config.Config)) (*Director, *fakeSpawner, *clock.FakeClock) {
	t.Helper()
	cfg := config.Default()
	cfg.Run.Workers = 1
	cfg.Run.Users = 1
	cfg.Control.SocketPath = filepath.Join(t.TempDir(), "control.sock")
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	clk := clock.Fake(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC))
	spawner := &fakeSpawner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := newDirector(cfg, testRunID, clk, logger, spawner.spawn, metrics.Nop())
	if err != nil {
		t.Fatalf("newDirector: %v", err)
	}
	spawner.codec = d.ipcCodec

	t.Cleanup(func() {
		for i := 0; i < spawner.count(); i++ {
			spawner.process(i).terminate(nil)
		}
	})
	return d, spawner, clk
}

// step runs one director control-loop iteration's worth of work.
func step(d *Director) {
	d.drainExitEvents()
	d.acceptSessions()
	d.pollSubordinates()
	d.pollSessions()
	d.respawnDue()
	d.checkHealth()
}

// waitFor polls a condition in real time, stepping the director, until
// it holds or the test times out. Used where the director's input
// arrives from another goroutine (exit waiters, the accept goroutine).
func waitFor(t *testing.T, d *Director, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		step(d)
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestSpawnAllStartsPopulation(t *testing.T) {
	t.Parallel()
	d, spawner, _ := newTestDirector(t, func(cfg *config.Config) {
		cfg.Run.Workers = 2
		cfg.Run.Users = 3
	})
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}

	// Manager first, then workers, then users.
	wantKinds := []schema.ProcessKind{
		schema.KindUsersManager,
		schema.KindWorker, schema.KindWorker,
		schema.KindUser, schema.KindUser, schema.KindUser,
	}
	if spawner.count() != len(wantKinds) {
		t.Fatalf("spawned %d processes, want %d", spawner.count(), len(wantKinds))
	}
	for i, want := range wantKinds {
		if got := spawner.process(i).kind; got != want {
			t.Errorf("spawn %d: kind %q, want %q", i, got, want)
		}
	}
	if len(d.workerRing) != 2 {
		t.Errorf("worker ring size: got %d, want 2", len(d.workerRing))
	}
	for _, id := range d.order {
		if got := d.handles[id].health; got != schema.HealthStarting {
			t.Errorf("%s health: got %q, want starting", d.handles[id].name, got)
		}
	}
}

func TestHeartbeatMarksHealthy(t *testing.T) {
	t.Parallel()
	d, spawner, _ := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}

	worker := spawner.process(1)
	worker.hello(t, testRunID)
	worker.heartbeat(t, 1)
	step(d)

	handle := d.handles[d.workerRing[0]]
	if handle.health != schema.HealthHealthy {
		t.Fatalf("health after heartbeat: got %q, want healthy", handle.health)
	}
	if handle.heartbeatSeq != 1 {
		t.Errorf("heartbeat sequence: got %d, want 1", handle.heartbeatSeq)
	}
}

func TestMissedHeartbeatsDegradeThenRecover(t *testing.T) {
	t.Parallel()
	d, spawner, clk := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}

	worker := spawner.process(1)
	worker.hello(t, testRunID)
	worker.heartbeat(t, 1)
	step(d)

	handle := d.handles[d.workerRing[0]]
	if handle.health != schema.HealthHealthy {
		t.Fatalf("precondition: health %q, want healthy", handle.health)
	}

	// Sit past the miss threshold without a heartbeat.
	limit := d.cfg.Heartbeat.Interval.Std() * time.Duration(d.cfg.Heartbeat.MissThreshold)
	clk.Advance(limit + d.cfg.Heartbeat.Interval.Std())
	d.checkHealth()
	if handle.health != schema.HealthDegraded {
		t.Fatalf("health after misses: got %q, want degraded", handle.health)
	}

	// The next heartbeat recovers it.
	worker.heartbeat(t, 2)
	step(d)
	if handle.health != schema.HealthHealthy {
		t.Fatalf("health after recovery: got %q, want healthy", handle.health)
	}
}

func TestTicketFlowEndToEnd(t *testing.T) {
	t.Parallel()
	d, spawner, _ := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}
	manager := spawner.process(0)
	worker := spawner.process(1)
	user := spawner.process(2)

	user.send(t, schema.MsgTicketRequest, schema.TicketRequest{Owner: 7})
	step(d) // dispatch the request
	step(d) // flush the resulting frames

	grantFrame := user.expect(t, schema.MsgTicketGrant)
	var grant schema.TicketGrant
	if err := codec.Unmarshal(grantFrame.Payload, &grant); err != nil {
		t.Fatalf("decoding grant: %v", err)
	}
	if grant.Owner != 7 {
		t.Errorf("grant owner: got %d, want 7", grant.Owner)
	}

	assignFrame := worker.expect(t, schema.MsgTaskAssign)
	var assign schema.TaskAssign
	if err := codec.Unmarshal(assignFrame.Payload, &assign); err != nil {
		t.Fatalf("decoding assign: %v", err)
	}
	if assign.TicketID != grant.TicketID || assign.Owner != 7 {
		t.Errorf("assign: got %+v, want ticket %d owner 7", assign, grant.TicketID)
	}

	updateFrame := manager.expect(t, schema.MsgTicketUpdate)
	var update schema.TicketUpdate
	if err := codec.Unmarshal(updateFrame.Payload, &update); err != nil {
		t.Fatalf("decoding update: %v", err)
	}
	if update.State != schema.TicketDispatched {
		t.Errorf("first update state: got %q, want dispatched", update.State)
	}

	worker.send(t, schema.MsgTaskStatus, schema.TaskStatus{
		TicketID:      grant.TicketID,
		Owner:         7,
		State:         schema.TicketCompleted,
		ServiceMillis: 12,
	})
	step(d)
	step(d)

	updateFrame = manager.expect(t, schema.MsgTicketUpdate)
	if err := codec.Unmarshal(updateFrame.Payload, &update); err != nil {
		t.Fatalf("decoding completion update: %v", err)
	}
	if update.State != schema.TicketCompleted {
		t.Errorf("completion update state: got %q, want completed", update.State)
	}

	counters := d.tickets.Counters()
	if counters.Issued != 1 || counters.Dispatched != 1 || counters.Completed != 1 {
		t.Errorf("counters: got %+v, want 1/1/1 issued/dispatched/completed", counters)
	}
	if d.tickets.Live() != 0 {
		t.Errorf("live tickets: got %d, want 0", d.tickets.Live())
	}
}

func TestPauseBlocksTicketIntake(t *testing.T) {
	t.Parallel()
	d, spawner, _ := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}
	user := spawner.process(2)

	if err := d.applyCommand(schema.CommandPause); err != nil {
		t.Fatalf("pause: %v", err)
	}
	user.send(t, schema.MsgTicketRequest, schema.TicketRequest{Owner: 1})
	step(d)
	step(d)
	user.expectNone(t)
	if got := d.tickets.Counters().Issued; got != 0 {
		t.Fatalf("issued while paused: got %d, want 0", got)
	}

	if err := d.applyCommand(schema.CommandResume); err != nil {
		t.Fatalf("resume: %v", err)
	}
	user.send(t, schema.MsgTicketRequest, schema.TicketRequest{Owner: 1})
	step(d)
	step(d)
	user.expect(t, schema.MsgTicketGrant)
}

func TestCrashedSubordinateRespawnsAfterBackoff(t *testing.T) {
	t.Parallel()
	d, spawner, clk := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}
	spawnedBefore := spawner.count()
	handle := d.handles[d.workerRing[0]]

	spawner.process(1).terminate(errors.New("segfault"))
	waitFor(t, d, func() bool { return !handle.running })

	if handle.health != schema.HealthCrashed {
		t.Fatalf("health after crash: got %q, want crashed", handle.health)
	}
	if handle.respawnAt.IsZero() {
		t.Fatal("no respawn scheduled after crash")
	}

	clk.Advance(d.cfg.Supervision.BackoffMax.Std())
	d.respawnDue()

	if spawner.count() != spawnedBefore+1 {
		t.Fatalf("spawn count after respawn: got %d, want %d", spawner.count(), spawnedBefore+1)
	}
	if handle.restarts != 1 {
		t.Errorf("restarts: got %d, want 1", handle.restarts)
	}
	if handle.health != schema.HealthStarting || !handle.running {
		t.Errorf("respawned handle: health %q running %t, want starting/true", handle.health, handle.running)
	}
}

func TestRestartBudgetExhaustionFailsPermanently(t *testing.T) {
	t.Parallel()
	d, spawner, clk := newTestDirector(t, func(cfg *config.Config) {
		cfg.Supervision.MaxRestarts = 1
	})
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}
	handle := d.handles[d.workerRing[0]]

	spawner.process(1).terminate(errors.New("crash one"))
	waitFor(t, d, func() bool { return !handle.running })
	clk.Advance(d.cfg.Supervision.BackoffMax.Std())
	d.respawnDue()
	if !handle.running {
		t.Fatal("first respawn did not happen")
	}

	// Second crash exceeds the budget of one restart.
	spawner.process(spawner.count() - 1).terminate(errors.New("crash two"))
	waitFor(t, d, func() bool { return !handle.running })
	if handle.health != schema.HealthFailed {
		t.Fatalf("health after budget exhaustion: got %q, want failed", handle.health)
	}

	spawnedBefore := spawner.count()
	clk.Advance(d.cfg.Supervision.BackoffMax.Std())
	d.respawnDue()
	if spawner.count() != spawnedBefore {
		t.Fatal("failed handle was respawned")
	}
}

func TestHelloRunIDMismatchDropsLink(t *testing.T) {
	t.Parallel()
	d, spawner, _ := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}

	worker := spawner.process(1)
	worker.hello(t, "some-other-run")
	step(d)

	if got := d.router.Counters().HandlerErrors; got != 1 {
		t.Errorf("handler errors: got %d, want 1", got)
	}
	handle := d.handles[d.workerRing[0]]
	if handle.ch.State() != channel.StateClosed {
		t.Errorf("channel state: got %q, want closed", handle.ch.State())
	}
}

func TestNoWorkerAvailableRefusesRequest(t *testing.T) {
	t.Parallel()
	d, spawner, _ := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}
	user := spawner.process(2)

	// Take the only worker down and exhaust its budget.
	handle := d.handles[d.workerRing[0]]
	handle.running = false
	handle.health = schema.HealthFailed

	user.send(t, schema.MsgTicketRequest, schema.TicketRequest{Owner: 3})
	step(d)
	step(d)
	user.expectNone(t)
	if got := d.tickets.Counters().Issued; got != 0 {
		t.Fatalf("issued with no worker: got %d, want 0", got)
	}
}

func TestShutdownDrainsSubordinates(t *testing.T) {
	t.Parallel()
	d, spawner, _ := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}

	d.beginShutdown()
	step(d) // flush shutdown frames

	for i := 0; i < spawner.count(); i++ {
		proc := spawner.process(i)
		frame := proc.expect(t, schema.MsgShutdown)
		var shutdown schema.Shutdown
		if err := codec.Unmarshal(frame.Payload, &shutdown); err != nil {
			t.Fatalf("decoding shutdown: %v", err)
		}
		if shutdown.DrainLimit != d.cfg.Worker.DrainLimit {
			t.Errorf("drain limit: got %d, want %d", shutdown.DrainLimit, d.cfg.Worker.DrainLimit)
		}
		proc.send(t, schema.MsgDrained, schema.Drained{Completed: 5})
		step(d)
		proc.terminate(nil)
	}

	waitFor(t, d, d.shutdownComplete)
	for _, id := range d.order {
		if !d.handles[id].drained {
			t.Errorf("%s never reported drained", d.handles[id].name)
		}
	}
}

func TestShutdownKillsAfterDrainTimeout(t *testing.T) {
	t.Parallel()
	d, _, clk := newTestDirector(t, nil)
	if err := d.spawnAll(); err != nil {
		t.Fatalf("spawnAll: %v", err)
	}

	d.beginShutdown()
	if d.shutdownComplete() {
		t.Fatal("shutdown complete while subordinates still run")
	}

	// Nobody drains; the deadline expires and stragglers are killed.
	clk.Advance(d.cfg.Supervision.DrainTimeout.Std() + time.Second)
	waitFor(t, d, d.shutdownComplete)
}
