// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Subordinate IPC message types (wire.VersionIPC namespace). Valid
// range is 1..MaxIPCType; the decoder rejects anything else.
const (
	// MsgHello is the first frame every subordinate sends after
	// connecting. Payload: Hello.
	MsgHello uint8 = 0x01

	// MsgHeartbeat is the periodic liveness frame from a subordinate.
	// Payload: Heartbeat.
	MsgHeartbeat uint8 = 0x02

	// MsgTicketRequest asks the issuer for a ticket. User → director.
	// Payload: TicketRequest.
	MsgTicketRequest uint8 = 0x03

	// MsgTicketGrant returns the issued ticket. Director → user.
	// Payload: TicketGrant.
	MsgTicketGrant uint8 = 0x04

	// MsgTaskAssign hands a ticket to a worker for service.
	// Director → worker. Payload: TaskAssign.
	MsgTaskAssign uint8 = 0x05

	// MsgTaskStatus reports service completion. Worker → director.
	// Payload: TaskStatus.
	MsgTaskStatus uint8 = 0x06

	// MsgTicketUpdate propagates a ticket state change to the users
	// manager for aggregation. Director → users manager.
	// Payload: TicketUpdate.
	MsgTicketUpdate uint8 = 0x07

	// MsgShutdown is the reserved cancellation message. On receipt a
	// worker finishes in-flight tasks up to the drain limit, emits
	// MsgDrained, and exits. Director → subordinate.
	// Payload: Shutdown.
	MsgShutdown uint8 = 0x08

	// MsgDrained is a subordinate's final status frame before exit.
	// Payload: Drained.
	MsgDrained uint8 = 0x09

	// MaxIPCType is the highest valid IPC message type.
	MaxIPCType = MsgDrained
)

// Hello announces a subordinate to the director. Always the first
// frame on a fresh IPC link.
type Hello struct {
	// Kind is the participant class.
	Kind ProcessKind `cbor:"kind"`

	// Name is the subordinate's unique name within the run
	// (e.g. "worker/2", "user/17").
	Name string `cbor:"name"`

	// PID is the subordinate's OS process id.
	PID int `cbor:"pid"`

	// RunID is the director's run UUID, echoed back from the
	// subordinate's command line. The director drops links announcing
	// a different run.
	RunID string `cbor:"run_id"`

	// Host describes the machine. All participants run on one host,
	// but each reports what it sees (container limits can differ).
	Host HostInfo `cbor:"host"`
}

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	// Sequence increments by one per heartbeat, per subordinate.
	Sequence uint64 `cbor:"sequence"`

	// InFlight is how many tasks the sender is currently servicing.
	// Zero for users and the users manager.
	InFlight uint32 `cbor:"in_flight"`
}

// TicketRequest asks the ticket issuer for a new ticket.
type TicketRequest struct {
	// Owner is the requesting user's id.
	Owner uint64 `cbor:"owner"`
}

// TicketGrant carries the issued ticket back to its owner.
type TicketGrant struct {
	// TicketID is the issued unique ticket id.
	TicketID uint64 `cbor:"ticket_id"`

	// Owner echoes the requesting user's id.
	Owner uint64 `cbor:"owner"`
}

// TaskAssign hands an issued ticket to a worker.
type TaskAssign struct {
	// TicketID is the ticket being serviced.
	TicketID uint64 `cbor:"ticket_id"`

	// Owner is the user the ticket was issued to.
	Owner uint64 `cbor:"owner"`
}

// TaskStatus reports the outcome of servicing a ticket.
type TaskStatus struct {
	// TicketID is the serviced ticket.
	TicketID uint64 `cbor:"ticket_id"`

	// Owner is the user the ticket was issued to.
	Owner uint64 `cbor:"owner"`

	// State is the terminal outcome: TicketCompleted or TicketFailed.
	State TicketState `cbor:"state"`

	// ServiceMillis is how long the worker spent servicing the task.
	ServiceMillis uint32 `cbor:"service_millis"`
}

// TicketUpdate propagates a ticket state change to the users manager.
type TicketUpdate struct {
	// TicketID is the ticket that changed state.
	TicketID uint64 `cbor:"ticket_id"`

	// Owner is the user the ticket was issued to.
	Owner uint64 `cbor:"owner"`

	// State is the new state.
	State TicketState `cbor:"state"`
}

// Shutdown instructs a subordinate to drain and exit.
type Shutdown struct {
	// DrainLimit bounds how many in-flight tasks a worker may finish
	// before exiting. Zero means exit immediately.
	DrainLimit uint32 `cbor:"drain_limit"`
}

// Drained is the final status frame a subordinate emits before exit.
type Drained struct {
	// Completed is how many tasks finished successfully during the
	// subordinate's lifetime.
	Completed uint64 `cbor:"completed"`

	// Failed is how many tasks failed during the subordinate's
	// lifetime.
	Failed uint64 `cbor:"failed"`
}
