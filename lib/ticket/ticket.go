// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package ticket issues work-unit tickets and tracks their lifecycle.
//
// Issuance and tracking are split. The Issuer is the only path that
// creates a ticket id; it is safe to call from multiple threads, with
// a spinlock scoped to exactly the allocator call. The Table holds the
// live tickets and belongs to the director's control loop; dispatch
// is single-threaded, so the table needs no locking of its own.
package ticket

import (
	"errors"
	"fmt"
	"time"

	"github.com/queueworks/counterline/lib/clock"
	"github.com/queueworks/counterline/lib/ident"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/spinlock"
)

// ErrUnknownTicket is returned by Table operations for a ticket id
// that is not live. Non-fatal: the caller logs it and moves on.
var ErrUnknownTicket = errors.New("ticket: unknown ticket")

// Ticket is one issued work unit. Ids are unique for the run's
// lifetime and never reused: the issuer's allocator is monotonic.
type Ticket struct {
	// ID is the unique ticket id.
	ID uint64

	// Owner is the user the ticket was issued to.
	Owner uint64

	// IssuedAt is the issuance timestamp. time.Time carries a
	// monotonic reading when it comes from the real clock.
	IssuedAt time.Time

	// State is the lifecycle state.
	State schema.TicketState
}

// Issuer creates tickets. Safe for concurrent use: the allocator call
// is guarded by a spinlock whose critical section is a counter
// increment, nothing more.
type Issuer struct {
	clock     clock.Clock
	lock      spinlock.Spinlock
	allocator *ident.Allocator
}

// NewIssuer returns an issuer drawing ids from a fresh monotonic
// allocator.
func NewIssuer(clk clock.Clock) *Issuer {
	return &Issuer{
		clock:     clk,
		allocator: ident.NewMonotonic(),
	}
}

// Issue creates a ticket for owner in state Issued. The only failure
// is allocator exhaustion, which is fatal to the run.
func (i *Issuer) Issue(owner uint64) (Ticket, error) {
	// Lock scope is exactly the allocator call: the counter increment
	// is the whole critical section.
	i.lock.Lock()
	id, err := i.allocator.Allocate()
	i.lock.Unlock()
	if err != nil {
		return Ticket{}, fmt.Errorf("issuing ticket for owner %d: %w", owner, err)
	}

	return Ticket{
		ID:       id,
		Owner:    owner,
		IssuedAt: i.clock.Now(),
		State:    schema.TicketIssued,
	}, nil
}

// Table tracks live tickets and aggregates throughput counters. Owned
// by the director's control loop; not synchronized.
type Table struct {
	live     map[uint64]Ticket
	counters schema.TicketCounters
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{live: make(map[uint64]Ticket)}
}

// Record adds a freshly issued ticket to the live set.
func (t *Table) Record(ticket Ticket) {
	t.live[ticket.ID] = ticket
	t.counters.Issued++
}

// MarkDispatched transitions a live ticket to Dispatched when it is
// handed to a worker.
func (t *Table) MarkDispatched(id uint64) error {
	ticket, ok := t.live[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownTicket, id)
	}
	ticket.State = schema.TicketDispatched
	t.live[id] = ticket
	t.counters.Dispatched++
	return nil
}

// Complete transitions a live ticket to its terminal state and drops
// it from the live set. The id itself is never reclaimed. state must
// be TicketCompleted or TicketFailed.
func (t *Table) Complete(id uint64, state schema.TicketState) (Ticket, error) {
	if !state.Terminal() {
		return Ticket{}, fmt.Errorf("ticket %d: %q is not a terminal state", id, state)
	}
	ticket, ok := t.live[id]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: id %d", ErrUnknownTicket, id)
	}
	ticket.State = state
	delete(t.live, id)
	switch state {
	case schema.TicketCompleted:
		t.counters.Completed++
	case schema.TicketFailed:
		t.counters.Failed++
	}
	return ticket, nil
}

// Live returns the number of tickets not yet in a terminal state.
func (t *Table) Live() int {
	return len(t.live)
}

// Counters returns aggregate throughput for snapshots.
func (t *Table) Counters() schema.TicketCounters {
	return t.counters
}
