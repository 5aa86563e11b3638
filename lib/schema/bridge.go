// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// Control bridge message types (wire.VersionBridge namespace). The
// bridge has its own version namespace so bridge traffic can never be
// interpreted as subordinate IPC, even on the same wire format.
const (
	// BridgeMsgHello is the director's greeting to a freshly connected
	// control client. Payload: BridgeHello.
	BridgeMsgHello uint8 = 0x01

	// BridgeMsgSnapshotRequest asks for the current aggregated state.
	// Client → director. Payload: none.
	BridgeMsgSnapshotRequest uint8 = 0x02

	// BridgeMsgSnapshot is the aggregated state reply.
	// Director → client. Payload: Snapshot.
	BridgeMsgSnapshot uint8 = 0x03

	// BridgeMsgCommand steers the run. Client → director.
	// Payload: Command.
	BridgeMsgCommand uint8 = 0x04

	// BridgeMsgCommandResult acknowledges a command.
	// Director → client. Payload: CommandResult.
	BridgeMsgCommandResult uint8 = 0x05

	// MaxBridgeType is the highest valid bridge message type.
	MaxBridgeType = BridgeMsgCommandResult
)

// Command verbs accepted by the director.
const (
	// CommandPause stops ticket intake: ticket requests are refused
	// until resume. Workers keep draining in-flight tasks.
	CommandPause = "pause"

	// CommandResume re-enables ticket intake after a pause.
	CommandResume = "resume"

	// CommandStop begins a graceful shutdown of the whole run.
	CommandStop = "stop"
)

// BridgeHello is the director's greeting on a new control session.
type BridgeHello struct {
	// RunID is the run UUID.
	RunID string `cbor:"run_id"`

	// SessionID identifies this control session. Allocated from a
	// bounded free-list range and released when the session closes.
	SessionID uint64 `cbor:"session_id"`

	// StartedAt is when the director started the run.
	StartedAt time.Time `cbor:"started_at"`

	// DirectorVersion is the director's build version string.
	DirectorVersion string `cbor:"director_version"`

	// Host describes the machine the run is on.
	Host HostInfo `cbor:"host"`
}

// Command steers the run.
type Command struct {
	// Verb is one of CommandPause, CommandResume, CommandStop.
	Verb string `cbor:"verb"`
}

// CommandResult acknowledges a Command.
type CommandResult struct {
	// OK indicates the command was accepted.
	OK bool `cbor:"ok"`

	// Error describes the refusal when OK is false.
	Error string `cbor:"error,omitempty"`
}

// Snapshot is the read-only aggregated run state served to control
// clients. Built as a value copy on the director's control loop;
// requesting it repeatedly has no side effects.
type Snapshot struct {
	// RunID is the run UUID.
	RunID string `cbor:"run_id"`

	// TakenAt is when the snapshot was built.
	TakenAt time.Time `cbor:"taken_at"`

	// UptimeMillis is time since the run started.
	UptimeMillis uint64 `cbor:"uptime_millis"`

	// Paused reports whether ticket intake is paused.
	Paused bool `cbor:"paused"`

	// Processes describes every supervised subordinate.
	Processes []ProcessStatus `cbor:"processes"`

	// Tickets aggregates ticket throughput.
	Tickets TicketCounters `cbor:"tickets"`

	// Router aggregates dispatch activity.
	Router RouterCounters `cbor:"router"`

	// ControlSessions is the number of attached control clients.
	ControlSessions int `cbor:"control_sessions"`
}

// ProcessStatus is one supervised process in a snapshot.
type ProcessStatus struct {
	// Name is the subordinate's unique name (e.g. "worker/0").
	Name string `cbor:"name"`

	// Kind is the participant class.
	Kind ProcessKind `cbor:"kind"`

	// Health is the current supervisory state.
	Health Health `cbor:"health"`

	// PID is the OS process id, zero when not running.
	PID int `cbor:"pid,omitempty"`

	// Restarts is how many times the director has respawned this
	// subordinate.
	Restarts uint32 `cbor:"restarts"`

	// SendQueueDepth is the number of frames queued on the director's
	// side of this subordinate's channel.
	SendQueueDepth int `cbor:"send_queue_depth"`

	// BackpressureDrops counts sends refused because the channel's
	// send queue was at capacity.
	BackpressureDrops uint64 `cbor:"backpressure_drops"`
}

// TicketCounters aggregates ticket throughput for a snapshot.
type TicketCounters struct {
	Issued     uint64 `cbor:"issued"`
	Dispatched uint64 `cbor:"dispatched"`
	Completed  uint64 `cbor:"completed"`
	Failed     uint64 `cbor:"failed"`
}

// RouterCounters aggregates dispatch activity for a snapshot.
type RouterCounters struct {
	// Dispatched counts frames delivered to a registered handler.
	Dispatched uint64 `cbor:"dispatched"`

	// Unroutable counts frames dropped for lack of a handler.
	Unroutable uint64 `cbor:"unroutable"`

	// HandlerErrors counts handler invocations that returned an error.
	HandlerErrors uint64 `cbor:"handler_errors"`
}
