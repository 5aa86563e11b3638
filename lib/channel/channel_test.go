// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/queueworks/counterline/lib/wire"
)

func testCodec() *wire.Codec {
	return &wire.Codec{Version: wire.VersionIPC, MaxType: 0x09}
}

// socketpair returns both ends of a connected Unix stream socketpair
// as net conns, closed automatically at test end.
func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		file := os.NewFile(uintptr(fd), "socketpair")
		conn, err := net.FileConn(file)
		file.Close()
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			t.Fatalf("FileConn: got %T, want *net.UnixConn", conn)
		}
		t.Cleanup(func() { unixConn.Close() })
		conns[i] = unixConn
	}
	return conns[0], conns[1]
}

// pollUntil polls ch repeatedly until at least one frame arrives or
// the deadline passes.
func pollUntil(t *testing.T, ch *Channel, deadline time.Duration) []wire.Frame {
	t.Helper()
	var frames []wire.Frame
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		polled, err := ch.PollIO()
		if err != nil {
			t.Fatalf("PollIO: %v", err)
		}
		frames = append(frames, polled...)
		if len(frames) > 0 {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no frames arrived before deadline")
	return nil
}

func TestSendAndReceiveOverSocketpair(t *testing.T) {
	t.Parallel()
	left, right := socketpair(t)

	sender := New("director→worker/0", testCodec())
	receiver := New("worker/0→director", testCodec())
	if err := sender.Attach(left); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := receiver.Attach(right); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	want := wire.Frame{Type: 0x03, Payload: []byte("ticket request owner=7")}
	if err := sender.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := sender.PollIO(); err != nil {
		t.Fatalf("PollIO (flush): %v", err)
	}

	frames := pollUntil(t, receiver, 2*time.Second)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Type != want.Type || !bytes.Equal(frames[0].Payload, want.Payload) {
		t.Fatalf("received %+v, want %+v", frames[0], want)
	}

	if sender.State() != StateConnected {
		t.Errorf("sender state: got %s, want %s", sender.State(), StateConnected)
	}
	if receiver.State() != StateConnected {
		t.Errorf("receiver state: got %s, want %s", receiver.State(), StateConnected)
	}
}

func TestBackpressureLeavesQueueUnchanged(t *testing.T) {
	t.Parallel()
	ch := New("full", testCodec())
	ch.Capacity = 2

	for i := 0; i < 2; i++ {
		if err := ch.Send(wire.Frame{Type: 0x02}); err != nil {
			t.Fatalf("Send[%d]: %v", i, err)
		}
	}
	if err := ch.Send(wire.Frame{Type: 0x02}); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Send into full queue: got %v, want ErrBackpressure", err)
	}
	if depth := ch.QueueDepth(); depth != 2 {
		t.Fatalf("QueueDepth after refused send: got %d, want 2", depth)
	}
	if drops := ch.BackpressureDrops(); drops != 1 {
		t.Fatalf("BackpressureDrops: got %d, want 1", drops)
	}
}

func TestSendAfterCloseReturnsNotConnected(t *testing.T) {
	t.Parallel()
	left, _ := socketpair(t)
	ch := New("closed", testCodec())
	if err := ch.Attach(left); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Send(wire.Frame{Type: 0x01}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after Close: got %v, want ErrNotConnected", err)
	}
	if _, err := ch.PollIO(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PollIO after Close: got %v, want ErrNotConnected", err)
	}
}

func TestPeerCloseMovesToReconnecting(t *testing.T) {
	t.Parallel()
	left, right := socketpair(t)
	ch := New("dropped", testCodec())
	if err := ch.Attach(left); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	right.Close()

	var lostErr error
	stop := time.Now().Add(2 * time.Second)
	for time.Now().Before(stop) {
		if _, err := ch.PollIO(); err != nil {
			lostErr = err
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(lostErr, ErrConnectionLost) {
		t.Fatalf("PollIO after peer close: got %v, want ErrConnectionLost", lostErr)
	}
	if ch.State() != StateReconnecting {
		t.Fatalf("state after loss: got %s, want %s", ch.State(), StateReconnecting)
	}
}

func TestReattachResumesTraffic(t *testing.T) {
	t.Parallel()
	left, right := socketpair(t)
	ch := New("reattach", testCodec())
	if err := ch.Attach(left); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Break the first stream and drive the channel into Reconnecting.
	right.Close()
	stop := time.Now().Add(2 * time.Second)
	for ch.State() != StateReconnecting && time.Now().Before(stop) {
		ch.PollIO()
		time.Sleep(time.Millisecond)
	}
	if ch.State() != StateReconnecting {
		t.Fatal("channel never entered Reconnecting")
	}

	// Frames queued while down survive into the new stream.
	if err := ch.Send(wire.Frame{Type: 0x02, Payload: []byte("queued while down")}); err != nil {
		t.Fatalf("Send while reconnecting: %v", err)
	}

	newLeft, newRight := socketpair(t)
	if err := ch.Attach(newLeft); err != nil {
		t.Fatalf("Attach replacement: %v", err)
	}

	receiver := New("peer", testCodec())
	if err := receiver.Attach(newRight); err != nil {
		t.Fatalf("Attach peer: %v", err)
	}

	if _, err := ch.PollIO(); err != nil {
		t.Fatalf("PollIO after reattach: %v", err)
	}
	frames := pollUntil(t, receiver, 2*time.Second)
	if len(frames) != 1 || !bytes.Equal(frames[0].Payload, []byte("queued while down")) {
		t.Fatalf("after reattach got %+v, want the queued frame", frames)
	}
	if ch.State() != StateConnected {
		t.Fatalf("state after reattach I/O: got %s, want %s", ch.State(), StateConnected)
	}
}

func TestMalformedFrameIsNotFatal(t *testing.T) {
	t.Parallel()
	left, right := socketpair(t)
	ch := New("tolerant", testCodec())
	if err := ch.Attach(left); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// A complete header with a bogus version namespace.
	garbage := make([]byte, 8)
	binary.NativeEndian.PutUint16(garbage[0:2], 0xBEEF)
	garbage[2] = 0x01
	if _, err := right.Write(garbage); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	// The poll that consumes the garbage must not report an error.
	stop := time.Now().Add(2 * time.Second)
	for time.Now().Before(stop) {
		frames, err := ch.PollIO()
		if err != nil {
			t.Fatalf("PollIO on malformed input: %v", err)
		}
		if len(frames) != 0 {
			t.Fatalf("malformed input produced frames: %+v", frames)
		}
		if ch.protocolErrors > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if ch.protocolErrors == 0 {
		t.Fatal("malformed frame was never observed")
	}

	// A clean frame written afterwards decodes normally.
	clean, err := testCodec().Encode(wire.Frame{Type: 0x04, Payload: []byte("clean")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := right.Write(clean); err != nil {
		t.Fatalf("writing clean frame: %v", err)
	}
	frames := pollUntil(t, ch, 2*time.Second)
	if len(frames) != 1 || !bytes.Equal(frames[0].Payload, []byte("clean")) {
		t.Fatalf("after malformed frame got %+v, want the clean frame", frames)
	}
}

func TestPollWithoutStreamIsQuiet(t *testing.T) {
	t.Parallel()
	ch := New("detached", testCodec())
	frames, err := ch.PollIO()
	if err != nil {
		t.Fatalf("PollIO without stream: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("PollIO without stream yielded frames: %+v", frames)
	}
	if ch.State() != StateConnecting {
		t.Fatalf("state: got %s, want %s", ch.State(), StateConnecting)
	}
}
