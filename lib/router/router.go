// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package router maps frame message types to handlers. Registration is
// append-only and only valid before dispatch begins; dispatch runs on
// the director's single control loop, one frame fully handled before
// the next, so handlers mutate director-owned state without locking.
package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

// ErrDuplicateRegistration is returned by Register when a handler
// already exists for the message type. The original handler stays
// active.
var ErrDuplicateRegistration = errors.New("router: duplicate registration")

// ErrRegistrationClosed is returned by Register once dispatch has
// begun. The registration table is immutable during dispatch.
var ErrRegistrationClosed = errors.New("router: registration closed")

// Handler processes one frame. origin is the director-assigned handle
// id of the channel the frame arrived on; handlers resolve it in the
// director's process registry. A returned error is recorded but does
// not stop the dispatch loop.
type Handler func(origin uint64, frame wire.Frame) error

// Router dispatches frames by message type. Owned by one goroutine;
// not synchronized.
type Router struct {
	// Logger receives sampled diagnostics for unroutable frames and
	// handler errors. Nil means slog.Default().
	Logger *slog.Logger

	handlers map[uint8]Handler

	// dispatching is set by the first Dispatch and freezes the table.
	dispatching bool

	dispatched    uint64
	unroutable    uint64
	handlerErrors uint64
}

// New returns an empty router.
func New() *Router {
	return &Router{handlers: make(map[uint8]Handler)}
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Register binds a handler to a message type. Fails with
// ErrDuplicateRegistration if the type is already bound and with
// ErrRegistrationClosed once dispatch has begun.
func (r *Router) Register(messageType uint8, handler Handler) error {
	if r.dispatching {
		return fmt.Errorf("%w: message type 0x%02x", ErrRegistrationClosed, messageType)
	}
	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("%w: message type 0x%02x", ErrDuplicateRegistration, messageType)
	}
	r.handlers[messageType] = handler
	return nil
}

// Dispatch delivers one frame to its handler. Unknown types increment
// the unroutable counter and are dropped with a sampled diagnostic
// log, never fatally. Handler errors are counted and logged, and the
// loop continues.
func (r *Router) Dispatch(origin uint64, frame wire.Frame) {
	r.dispatching = true

	handler, ok := r.handlers[frame.Type]
	if !ok {
		r.unroutable++
		// Log at powers of two so a flood of one bad type cannot
		// drown the log.
		if r.unroutable&(r.unroutable-1) == 0 {
			r.logger().Warn("dropped unroutable frame",
				"message_type", fmt.Sprintf("0x%02x", frame.Type),
				"origin", origin,
				"total_unroutable", r.unroutable,
			)
		}
		return
	}

	r.dispatched++
	if err := handler(origin, frame); err != nil {
		r.handlerErrors++
		r.logger().Warn("frame handler failed",
			"message_type", fmt.Sprintf("0x%02x", frame.Type),
			"origin", origin,
			"error", err,
		)
	}
}

// Counters returns dispatch activity for snapshots.
func (r *Router) Counters() schema.RouterCounters {
	return schema.RouterCounters{
		Dispatched:    r.dispatched,
		Unroutable:    r.unroutable,
		HandlerErrors: r.handlerErrors,
	}
}
