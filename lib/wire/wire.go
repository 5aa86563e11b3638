// Copyright 2026 The Counterline Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the framed binary protocol carried on every
// Counterline link. A frame is a fixed 8-byte header followed by the
// payload:
//
//	version:uint16 | type:uint8 | flags:uint8 | length:uint32 | payload
//
// Header fields use native byte order: all links are within a single
// host, and cross-architecture normalization is out of scope.
//
// The same algorithm serves two independently versioned namespaces:
// subordinate IPC (VersionIPC) and the control bridge (VersionBridge).
// A Codec is constructed for exactly one namespace and rejects frames
// from the other, so bridge and IPC traffic cannot be silently
// cross-interpreted even when carried on the same wire format.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Protocol version namespaces. The high byte identifies the namespace,
// the low byte its revision.
const (
	// VersionIPC frames flow between the director and its subordinate
	// processes over socketpair links.
	VersionIPC uint16 = 0x0101

	// VersionBridge frames flow between the director's control socket
	// and external viewers.
	VersionBridge uint16 = 0x0201
)

// FlagCompressed marks a zstd-compressed payload. The length field
// counts the compressed bytes on the wire; decoding expands the
// payload and clears the flag.
const FlagCompressed uint8 = 0x01

// knownFlags is the set of flag bits a decoder accepts. Anything else
// is a protocol error.
const knownFlags = FlagCompressed

// headerLength is the fixed frame header size.
const headerLength = 8

// DefaultMaxFrameSize bounds the payload length when Codec.MaxFrameSize
// is zero. 1 MiB is generous: the largest real payload is a full
// snapshot, well under 64 KiB.
const DefaultMaxFrameSize = 1 << 20

// ErrPayloadTooLarge is returned by Encode when the payload exceeds
// the codec's maximum frame size.
var ErrPayloadTooLarge = errors.New("wire: payload too large")

// ErrFrameTooLarge is returned by the decoder when a header announces
// a length beyond the codec's maximum frame size. The decoder resets;
// the connection stream is unrecoverable past this point and the
// owning channel should treat it as a connection fault.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// ErrProtocol is returned by the decoder for a malformed frame: wrong
// version namespace, out-of-range message type, unknown flag bits, or
// a corrupt compressed payload. The decoder drops its partial state.
var ErrProtocol = errors.New("wire: protocol error")

// Frame is one message unit. Length is implicit: it always equals
// len(Payload) and is computed during encoding, so an inconsistent
// length cannot be constructed.
type Frame struct {
	// Version is the protocol namespace (VersionIPC or VersionBridge).
	Version uint16

	// Type is the message type within the namespace. Valid types are
	// 1..Codec.MaxType; zero is reserved as "unset".
	Type uint8

	// Flags carries logical frame options. FlagCompressed never
	// appears here: compression is applied during encode and undone
	// during decode.
	Flags uint8

	// Payload is the message body, usually a CBOR document.
	Payload []byte
}

// Codec encodes and decodes frames for one protocol namespace.
type Codec struct {
	// Version is the only version accepted and emitted.
	Version uint16

	// MaxType is the highest valid message type. Received frames with
	// type zero or above MaxType are protocol errors.
	MaxType uint8

	// MaxFrameSize bounds the on-wire payload length in both
	// directions. Zero means DefaultMaxFrameSize.
	MaxFrameSize uint32

	// CompressThreshold enables zstd compression for payloads of at
	// least this many bytes. Zero disables compression.
	CompressThreshold int
}

// zstd round-trips go through shared stateless coders. EncodeAll and
// DecodeAll are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedFastest),
	)
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// maxFrameSize resolves the configured or default payload bound.
func (c *Codec) maxFrameSize() uint32 {
	if c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode serializes a frame: 8-byte header followed by the payload.
// The frame's Version field is ignored; the codec always stamps its
// own namespace. Payloads at or above the compression threshold are
// zstd-compressed (when that actually shrinks them) and the
// compressed flag is set on the wire.
func (c *Codec) Encode(frame Frame) ([]byte, error) {
	if frame.Type == 0 || frame.Type > c.MaxType {
		return nil, fmt.Errorf("%w: message type 0x%02x outside 1..0x%02x", ErrProtocol, frame.Type, c.MaxType)
	}
	if frame.Flags&^knownFlags != 0 || frame.Flags&FlagCompressed != 0 {
		return nil, fmt.Errorf("%w: invalid flags 0x%02x", ErrProtocol, frame.Flags)
	}

	payload := frame.Payload
	flags := frame.Flags
	if c.CompressThreshold > 0 && len(payload) >= c.CompressThreshold {
		compressed := zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	if uint64(len(payload)) > uint64(c.maxFrameSize()) {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds maximum %d",
			ErrPayloadTooLarge, len(payload), c.maxFrameSize())
	}

	encoded := make([]byte, headerLength+len(payload))
	binary.NativeEndian.PutUint16(encoded[0:2], c.Version)
	encoded[2] = frame.Type
	encoded[3] = flags
	binary.NativeEndian.PutUint32(encoded[4:8], uint32(len(payload)))
	copy(encoded[headerLength:], payload)
	return encoded, nil
}

// Decoder is the streaming frame decoder. It accumulates bytes across
// Decode calls, so a frame split at arbitrary boundaries decodes
// correctly once enough bytes have arrived. A Decoder belongs to one
// connection and one goroutine.
type Decoder struct {
	codec *Codec

	// header accumulates the first 8 bytes of the current frame.
	header       [headerLength]byte
	headerFilled int

	// payload accumulates the current frame's payload once the header
	// has been validated. Nil while still reading the header.
	payload       []byte
	payloadFilled int

	// pendingType and pendingFlags hold the validated header fields of
	// the frame being accumulated.
	pendingType  uint8
	pendingFlags uint8
}

// NewDecoder returns a streaming decoder for this codec's namespace.
func (c *Codec) NewDecoder() *Decoder {
	return &Decoder{codec: c}
}

// Decode consumes input and returns every frame completed by it, in
// arrival order. Input that completes no frame returns (nil, nil);
// absence of progress is not an error.
//
// On a malformed frame the decoder returns the frames completed before
// the fault, the error, and discards both its partial state and the
// rest of the input: a byte stream is not self-synchronizing, so
// recovery relies on the peer starting a fresh frame at its next
// write. The decoder itself remains usable.
func (d *Decoder) Decode(input []byte) ([]Frame, error) {
	var frames []Frame
	for len(input) > 0 {
		if d.payload == nil {
			// Still accumulating the header.
			copied := copy(d.header[d.headerFilled:], input)
			d.headerFilled += copied
			input = input[copied:]
			if d.headerFilled < headerLength {
				return frames, nil
			}
			if err := d.beginPayload(); err != nil {
				d.reset()
				return frames, err
			}
		}

		copied := copy(d.payload[d.payloadFilled:], input)
		d.payloadFilled += copied
		input = input[copied:]
		if d.payloadFilled < len(d.payload) {
			return frames, nil
		}

		frame, err := d.finishFrame()
		if err != nil {
			d.reset()
			return frames, err
		}
		frames = append(frames, frame)
		d.reset()
	}
	return frames, nil
}

// beginPayload validates the completed header and allocates the
// payload accumulator. A zero-length payload yields an empty non-nil
// accumulator so the main loop completes the frame immediately.
func (d *Decoder) beginPayload() error {
	version := binary.NativeEndian.Uint16(d.header[0:2])
	frameType := d.header[2]
	flags := d.header[3]
	length := binary.NativeEndian.Uint32(d.header[4:8])

	if version != d.codec.Version {
		return fmt.Errorf("%w: version 0x%04x, want 0x%04x", ErrProtocol, version, d.codec.Version)
	}
	if frameType == 0 || frameType > d.codec.MaxType {
		return fmt.Errorf("%w: message type 0x%02x outside 1..0x%02x", ErrProtocol, frameType, d.codec.MaxType)
	}
	if flags&^knownFlags != 0 {
		return fmt.Errorf("%w: unknown flags 0x%02x", ErrProtocol, flags&^knownFlags)
	}
	if length > d.codec.maxFrameSize() {
		return fmt.Errorf("%w: announced length %d exceeds maximum %d",
			ErrFrameTooLarge, length, d.codec.maxFrameSize())
	}

	d.pendingType = frameType
	d.pendingFlags = flags
	d.payload = make([]byte, length)
	d.payloadFilled = 0
	return nil
}

// finishFrame expands compression and assembles the completed frame.
func (d *Decoder) finishFrame() (Frame, error) {
	payload := d.payload
	flags := d.pendingFlags
	if flags&FlagCompressed != 0 {
		expanded, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: corrupt compressed payload: %v", ErrProtocol, err)
		}
		if uint64(len(expanded)) > uint64(d.codec.maxFrameSize()) {
			return Frame{}, fmt.Errorf("%w: decompressed payload %d bytes exceeds maximum %d",
				ErrFrameTooLarge, len(expanded), d.codec.maxFrameSize())
		}
		payload = expanded
		flags &^= FlagCompressed
	}
	if len(payload) == 0 {
		payload = nil
	}
	return Frame{
		Version: d.codec.Version,
		Type:    d.pendingType,
		Flags:   flags,
		Payload: payload,
	}, nil
}

// reset discards all partial decode state.
func (d *Decoder) reset() {
	d.headerFilled = 0
	d.payload = nil
	d.payloadFilled = 0
	d.pendingType = 0
	d.pendingFlags = 0
}
