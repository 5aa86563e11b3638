// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/queueworks/counterline/lib/channel"
	"github.com/queueworks/counterline/lib/clock"
	"github.com/queueworks/counterline/lib/codec"
	"github.com/queueworks/counterline/lib/config"
	"github.com/queueworks/counterline/lib/schema"
	"github.com/queueworks/counterline/lib/wire"
)

// pollInterval is the user loop's idle sleep.
const pollInterval = 2 * time.Millisecond

// user requests tickets from the director at random intervals and
// counts the grants that come back. All state is owned by the single
// loop in run.
type user struct {
	name   string
	owner  uint64
	cfg    *config.Config
	clk    clock.Clock
	ch     *channel.Channel
	logger *slog.Logger
	rng    *rand.Rand

	heartbeat    *clock.Ticker
	heartbeatSeq uint64

	nextRequestAt time.Time
	requested     uint64
	granted       uint64

	draining    bool
	drainedSent bool
}

// ownerFromName derives the numeric owner id from the director-assigned
// name, e.g. "user/3" → 3.
func ownerFromName(name string) (uint64, error) {
	_, suffix, found := strings.Cut(name, "/")
	if !found {
		return 0, fmt.Errorf("name %q has no numeric suffix", name)
	}
	owner, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("name %q has no numeric suffix: %w", name, err)
	}
	return owner, nil
}

func newUser(name string, owner uint64, cfg *config.Config, clk clock.Clock, ch *channel.Channel, logger *slog.Logger) *user {
	u := &user{
		name:      name,
		owner:     owner,
		cfg:       cfg,
		clk:       clk,
		ch:        ch,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		heartbeat: clk.NewTicker(cfg.Heartbeat.Interval.Std()),
	}
	u.nextRequestAt = clk.Now().Add(u.requestInterval())
	return u
}

// run drives the user until the drain completes or the link drops.
func (u *user) run(hello schema.Hello) error {
	defer u.heartbeat.Stop()
	if err := u.send(schema.MsgHello, hello); err != nil {
		return fmt.Errorf("queueing hello: %w", err)
	}
	for {
		err := u.step()
		if u.drainedSent && u.ch.QueueDepth() == 0 {
			u.logger.Info("drain complete", "requested", u.requested, "granted", u.granted)
			return nil
		}
		if err != nil {
			return fmt.Errorf("ipc link lost: %w", err)
		}
		u.clk.Sleep(pollInterval)
	}
}

// step runs one loop iteration.
func (u *user) step() error {
	frames, err := u.ch.PollIO()
	for _, frame := range frames {
		u.handleFrame(frame)
	}

	now := u.clk.Now()
	if !u.draining && !now.Before(u.nextRequestAt) {
		u.requested++
		sendErr := u.send(schema.MsgTicketRequest, schema.TicketRequest{Owner: u.owner})
		if sendErr != nil {
			u.logger.Warn("ticket request not queued", "error", sendErr)
		}
		u.nextRequestAt = now.Add(u.requestInterval())
	}

	if u.draining && !u.drainedSent {
		sendErr := u.send(schema.MsgDrained, schema.Drained{Completed: u.granted})
		if sendErr == nil {
			u.drainedSent = true
		}
	}

	select {
	case <-u.heartbeat.C:
		u.heartbeatSeq++
		sendErr := u.send(schema.MsgHeartbeat, schema.Heartbeat{Sequence: u.heartbeatSeq})
		if sendErr != nil {
			u.logger.Warn("heartbeat not queued", "error", sendErr)
		}
	default:
	}
	return err
}

func (u *user) handleFrame(frame wire.Frame) {
	switch frame.Type {
	case schema.MsgTicketGrant:
		var grant schema.TicketGrant
		if err := codec.Unmarshal(frame.Payload, &grant); err != nil {
			u.logger.Warn("malformed ticket grant", "error", err)
			return
		}
		if grant.Owner != u.owner {
			u.logger.Warn("grant for another owner", "owner", grant.Owner)
			return
		}
		u.granted++
		u.logger.Debug("ticket granted", "ticket", grant.TicketID)
	case schema.MsgShutdown:
		u.draining = true
		u.logger.Info("draining", "requested", u.requested, "granted", u.granted)
	default:
		u.logger.Warn("unexpected frame", "message_type", fmt.Sprintf("0x%02x", frame.Type))
	}
}

// requestInterval draws a uniform pause before the next ticket request.
func (u *user) requestInterval() time.Duration {
	low := u.cfg.User.RequestIntervalMin.Std()
	high := u.cfg.User.RequestIntervalMax.Std()
	if high <= low {
		return low
	}
	return low + time.Duration(u.rng.Int64N(int64(high-low)))
}

func (u *user) send(messageType uint8, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return err
	}
	return u.ch.Send(wire.Frame{Type: messageType, Payload: body})
}
