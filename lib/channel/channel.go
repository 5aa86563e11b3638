// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel wraps one duplex byte stream (a socketpair end or an
// accepted control connection) with framing, a bounded send queue, and
// non-blocking I/O. The owner calls PollIO from its control loop;
// PollIO never blocks, moving as many bytes as the stream accepts and
// yielding every frame completed by newly arrived bytes.
//
// A Channel belongs to exactly one goroutine per endpoint. It does no
// internal locking; sharing one requires external synchronization.
package channel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/queueworks/counterline/lib/wire"
)

// State is the connection lifecycle state.
type State string

const (
	// StateConnecting: attached or awaiting attachment, no successful
	// I/O yet.
	StateConnecting State = "connecting"

	// StateConnected: at least one successful read or write since the
	// last (re)attachment.
	StateConnected State = "connected"

	// StateReconnecting: the stream failed; the owner consults its
	// backoff schedule and attaches a replacement.
	StateReconnecting State = "reconnecting"

	// StateClosed: explicitly shut down. Terminal.
	StateClosed State = "closed"
)

// DefaultCapacity bounds the send queue when Capacity is zero.
const DefaultCapacity = 64

// readChunkSize is the per-poll read buffer size.
const readChunkSize = 32 * 1024

// ErrBackpressure is returned by Send when the send queue is at
// capacity. The queue is left unchanged; the caller retries or drops
// per its policy.
var ErrBackpressure = errors.New("channel: send queue full")

// ErrNotConnected is returned by Send and PollIO after Close.
var ErrNotConnected = errors.New("channel: not connected")

// ErrConnectionLost is returned by PollIO when the stream fails. The
// channel moves to StateReconnecting; the owner decides when to attach
// a replacement stream.
var ErrConnectionLost = errors.New("channel: connection lost")

// Stream is the duplex byte stream a Channel drives: any net.Conn
// backed by an OS file descriptor (socketpair, Unix socket, TCP).
// PollIO performs non-blocking reads and writes directly on the
// descriptor through SyscallConn.
type Stream interface {
	io.Closer
	syscall.Conn
}

// Channel frames messages over one Stream.
type Channel struct {
	// Name identifies the peer in logs and snapshots.
	Name string

	// Codec is the frame codec for this link's protocol namespace.
	Codec *wire.Codec

	// Capacity bounds the send queue. Zero means DefaultCapacity.
	Capacity int

	// Logger receives sampled diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	stream  Stream
	rawConn syscall.RawConn
	decoder *wire.Decoder
	state   State

	// sendQueue holds encoded frames not yet handed to the stream.
	sendQueue [][]byte

	// pending is the partially written remainder of the frame at the
	// head of the queue. Discarded on reattach: a new stream must
	// start at a frame boundary.
	pending []byte

	backpressureDrops uint64
	protocolErrors    uint64
}

// New returns a Channel in StateConnecting with no stream attached.
func New(name string, codec *wire.Codec) *Channel {
	return &Channel{
		Name:    name,
		Codec:   codec,
		decoder: codec.NewDecoder(),
		state:   StateConnecting,
	}
}

func (c *Channel) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Channel) capacity() int {
	if c.Capacity <= 0 {
		return DefaultCapacity
	}
	return c.Capacity
}

// Attach installs a stream. Called once after New and again after
// every reconnect. Partial frame state from the previous stream is
// discarded on both directions; whole queued frames are kept and
// flushed to the new stream.
func (c *Channel) Attach(stream Stream) error {
	if c.state == StateClosed {
		return ErrNotConnected
	}
	rawConn, err := stream.SyscallConn()
	if err != nil {
		return fmt.Errorf("channel %s: obtaining raw connection: %w", c.Name, err)
	}
	c.stream = stream
	c.rawConn = rawConn
	c.pending = nil
	c.decoder = c.Codec.NewDecoder()
	if c.state != StateConnecting {
		c.state = StateReconnecting
	}
	return nil
}

// State returns the lifecycle state.
func (c *Channel) State() State { return c.state }

// QueueDepth returns the number of frames waiting in the send queue.
func (c *Channel) QueueDepth() int { return len(c.sendQueue) }

// BackpressureDrops returns how many sends were refused with
// ErrBackpressure.
func (c *Channel) BackpressureDrops() uint64 { return c.backpressureDrops }

// Send encodes the frame and enqueues it for the next PollIO. When the
// send queue is at capacity it returns ErrBackpressure immediately;
// the queue never grows past its bound and no partial enqueue occurs.
func (c *Channel) Send(frame wire.Frame) error {
	if c.state == StateClosed {
		return ErrNotConnected
	}
	if len(c.sendQueue) >= c.capacity() {
		c.backpressureDrops++
		return ErrBackpressure
	}
	encoded, err := c.Codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("channel %s: %w", c.Name, err)
	}
	c.sendQueue = append(c.sendQueue, encoded)
	return nil
}

// PollIO drains readiness in both directions without blocking: it
// writes as many queued frame bytes as the stream accepts, then feeds
// newly arrived bytes through the streaming decoder, returning every
// frame they complete. No progress is not an error.
//
// A fatal stream error moves the channel to StateReconnecting, closes
// the stream, and returns ErrConnectionLost (any frames completed
// before the fault are still returned). Malformed frames are counted,
// logged sampled, and never fatal: decoding resumes at the peer's next
// write.
func (c *Channel) PollIO() ([]wire.Frame, error) {
	if c.state == StateClosed {
		return nil, ErrNotConnected
	}
	if c.rawConn == nil {
		return nil, nil
	}

	if err := c.flushWrites(); err != nil {
		return nil, c.fail(err)
	}
	return c.drainReads()
}

// flushWrites hands queued frame bytes to the stream until it stops
// accepting or the queue empties.
func (c *Channel) flushWrites() error {
	for {
		if len(c.pending) == 0 {
			if len(c.sendQueue) == 0 {
				return nil
			}
			c.pending = c.sendQueue[0]
			c.sendQueue = c.sendQueue[1:]
		}

		written, err := rawWrite(c.rawConn, c.pending)
		if written > 0 {
			c.pending = c.pending[written:]
			c.markConnected()
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return err
		}
	}
}

// drainReads pulls available bytes and decodes them.
func (c *Channel) drainReads() ([]wire.Frame, error) {
	var frames []wire.Frame
	buffer := make([]byte, readChunkSize)
	for {
		n, err := rawRead(c.rawConn, buffer)
		if n > 0 {
			c.markConnected()
			decoded, decodeErr := c.decoder.Decode(buffer[:n])
			frames = append(frames, decoded...)
			if decodeErr != nil {
				// Malformed frame: local to this link and recoverable.
				// Sampled diagnostic; the decoder has reset itself.
				c.protocolErrors++
				if c.protocolErrors&(c.protocolErrors-1) == 0 {
					c.logger().Warn("dropped malformed frame",
						"channel", c.Name,
						"error", decodeErr,
						"total", c.protocolErrors,
					)
				}
			}
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return frames, nil
			}
			return frames, c.fail(err)
		}
		if n == 0 {
			// Orderly EOF from the peer.
			return frames, c.fail(io.EOF)
		}
	}
}

// fail records a fatal stream error: close the stream, enter
// StateReconnecting, surface ErrConnectionLost.
func (c *Channel) fail(cause error) error {
	if c.stream != nil {
		c.stream.Close()
	}
	c.stream = nil
	c.rawConn = nil
	c.pending = nil
	c.state = StateReconnecting
	return fmt.Errorf("channel %s: %w: %w", c.Name, ErrConnectionLost, cause)
}

// markConnected records the first successful I/O on this stream.
func (c *Channel) markConnected() {
	if c.state == StateConnecting || c.state == StateReconnecting {
		c.state = StateConnected
	}
}

// Close shuts the channel down. Subsequent Send and PollIO return
// ErrNotConnected. Idempotent.
func (c *Channel) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.sendQueue = nil
	c.pending = nil
	if c.stream != nil {
		err := c.stream.Close()
		c.stream = nil
		c.rawConn = nil
		return err
	}
	return nil
}

// rawWrite performs one non-blocking write on the descriptor.
func rawWrite(rawConn syscall.RawConn, data []byte) (int, error) {
	var n int
	var writeErr error
	controlErr := rawConn.Write(func(fd uintptr) bool {
		n, writeErr = unix.Write(int(fd), data)
		return true
	})
	if controlErr != nil {
		return 0, controlErr
	}
	if n < 0 {
		n = 0
	}
	return n, writeErr
}

// rawRead performs one non-blocking read on the descriptor. A return
// of (0, nil) is EOF.
func rawRead(rawConn syscall.RawConn, buffer []byte) (int, error) {
	var n int
	var readErr error
	controlErr := rawConn.Read(func(fd uintptr) bool {
		n, readErr = unix.Read(int(fd), buffer)
		return true
	})
	if controlErr != nil {
		return 0, controlErr
	}
	if n < 0 {
		n = 0
	}
	return n, readErr
}
