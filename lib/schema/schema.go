// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the message types and payload structures
// carried inside wire frames, for both the subordinate IPC namespace
// and the control bridge namespace. Payloads are CBOR documents
// marshaled through lib/codec; this package is pure data.
package schema

// ProcessKind classifies a simulation participant.
type ProcessKind string

const (
	KindDirector     ProcessKind = "director"
	KindWorker       ProcessKind = "worker"
	KindUser         ProcessKind = "user"
	KindUsersManager ProcessKind = "users-manager"
)

// Health is the supervisory classification of a subordinate process.
type Health string

const (
	// HealthStarting: spawned, no heartbeat observed yet.
	HealthStarting Health = "starting"

	// HealthHealthy: heartbeats arriving within the miss threshold.
	HealthHealthy Health = "healthy"

	// HealthDegraded: a configured number of consecutive heartbeats
	// missed, process still running.
	HealthDegraded Health = "degraded"

	// HealthCrashed: process exit detected; a restart may follow.
	HealthCrashed Health = "crashed"

	// HealthFailed: restart budget exhausted. Terminal.
	HealthFailed Health = "failed"
)

// TicketState is the lifecycle state of an issued ticket.
type TicketState string

const (
	// TicketIssued: created by the issuer, not yet handed to a worker.
	TicketIssued TicketState = "issued"

	// TicketDispatched: forwarded to a worker for service.
	TicketDispatched TicketState = "dispatched"

	// TicketCompleted: worker reported successful service. Terminal.
	TicketCompleted TicketState = "completed"

	// TicketFailed: worker reported failure. Terminal.
	TicketFailed TicketState = "failed"
)

// Terminal reports whether the state is an end state: once observed by
// the users manager, the ticket is garbage for aggregation purposes.
func (s TicketState) Terminal() bool {
	return s == TicketCompleted || s == TicketFailed
}

// HostInfo describes the machine a process runs on. Collected by
// lib/hwinfo, carried in hello frames and snapshots.
type HostInfo struct {
	// Hostname is the kernel hostname.
	Hostname string `cbor:"hostname"`

	// CPUs is the number of logical CPUs usable by the process.
	CPUs int `cbor:"cpus"`

	// MemoryTotalBytes is total physical memory.
	MemoryTotalBytes uint64 `cbor:"memory_total_bytes"`

	// Kernel is the kernel release string (uname -r).
	Kernel string `cbor:"kernel"`
}
