// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the client/daemon wire format: framed CBOR
// messages over a Unix domain socket.
//
// Each frame is a 5-byte header (1 byte frame type + 4 byte big-endian
// payload length) followed by a CBOR payload encoded with lib/codec.
// A connection carries one request and its response, except for
// "listen", which holds the connection open and streams signal frames
// until either side closes or the client sends a cancel frame.
//
// The package is wire-only by design: it knows the shapes that cross
// the socket and nothing about the routing engine behind them. The
// daemon maps engine errors onto Code strings, and the client maps
// Code strings back onto its own errors.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/signalbus-io/signalbus/lib/codec"
)

// Frame type constants.
const (
	// FrameRequest carries a Request. Client to daemon, first frame on
	// every connection.
	FrameRequest byte = 0x01

	// FrameResponse carries a Response. Daemon to client, exactly one
	// per request.
	FrameResponse byte = 0x02

	// FrameSignal carries a Signal on a listen stream. Daemon to
	// client, any number after the listen Response.
	FrameSignal byte = 0x03

	// FrameCancel ends a listen stream. Client to daemon, empty
	// payload.
	FrameCancel byte = 0x04
)

// frameHeaderLength is the fixed frame header size: 1 byte type +
// 4 bytes payload length.
const frameHeaderLength = 5

// MaxFramePayload bounds a frame's payload. Signal payloads are capped
// well below this by the broker; a frame this large is a protocol
// violation, and the daemon closes the connection on it.
const MaxFramePayload = 1 << 20

// ErrFrameTooLarge reports a frame whose declared payload length
// exceeds MaxFramePayload.
var ErrFrameTooLarge = errors.New("protocol: frame payload too large")

// Frame is a single wire frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes one framed message:
// [1 byte type] [4 bytes payload length, big-endian] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxFramePayload {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrFrameTooLarge, len(frame.Payload), MaxFramePayload)
	}
	var header [frameHeaderLength]byte
	header[0] = frame.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed message from r. It fails with
// ErrFrameTooLarge when the declared payload length exceeds
// MaxFramePayload, without consuming the payload.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > MaxFramePayload {
		return Frame{}, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrFrameTooLarge, payloadLength, MaxFramePayload)
	}
	frame := Frame{Type: header[0]}
	if payloadLength > 0 {
		frame.Payload = make([]byte, payloadLength)
		if _, err := io.ReadFull(r, frame.Payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return frame, nil
}

// WriteRequest encodes and frames a request.
func WriteRequest(w io.Writer, request Request) error {
	payload, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return WriteFrame(w, Frame{Type: FrameRequest, Payload: payload})
}

// ReadRequest reads one request frame. Any other frame type is an
// error.
func ReadRequest(r io.Reader) (Request, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return Request{}, err
	}
	if frame.Type != FrameRequest {
		return Request{}, fmt.Errorf("protocol: expected request frame, got type 0x%02x", frame.Type)
	}
	var request Request
	if err := codec.Unmarshal(frame.Payload, &request); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return request, nil
}

// WriteResponse encodes and frames a response.
func WriteResponse(w io.Writer, response Response) error {
	payload, err := codec.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return WriteFrame(w, Frame{Type: FrameResponse, Payload: payload})
}

// ReadResponse reads one response frame. Any other frame type is an
// error.
func ReadResponse(r io.Reader) (Response, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return Response{}, err
	}
	if frame.Type != FrameResponse {
		return Response{}, fmt.Errorf("protocol: expected response frame, got type 0x%02x", frame.Type)
	}
	var response Response
	if err := codec.Unmarshal(frame.Payload, &response); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return response, nil
}

// WriteSignal encodes and frames a delivered signal on a listen
// stream.
func WriteSignal(w io.Writer, sig Signal) error {
	payload, err := codec.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return WriteFrame(w, Frame{Type: FrameSignal, Payload: payload})
}

// DecodeSignal decodes a signal frame's payload.
func DecodeSignal(payload []byte) (Signal, error) {
	var sig Signal
	if err := codec.Unmarshal(payload, &sig); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	return sig, nil
}

// WriteCancel frames an empty cancel message, ending a listen stream.
func WriteCancel(w io.Writer) error {
	return WriteFrame(w, Frame{Type: FrameCancel})
}
