// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/signalbus-io/signalbus/lib/signal"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "request frame",
			frame: Frame{Type: FrameRequest, Payload: []byte("not real cbor, framing does not care")},
		},
		{
			name:  "response frame",
			frame: Frame{Type: FrameResponse, Payload: []byte{0xa1, 0x62, 0x6f, 0x6b, 0xf5}},
		},
		{
			name:  "cancel frame with empty payload",
			frame: Frame{Type: FrameCancel},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var buffer bytes.Buffer
			if err := WriteFrame(&buffer, test.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			got, err := ReadFrame(&buffer)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}

			if got.Type != test.frame.Type {
				t.Errorf("type: got 0x%02x, want 0x%02x", got.Type, test.frame.Type)
			}
			if !bytes.Equal(got.Payload, test.frame.Payload) {
				t.Errorf("payload: got %q, want %q", got.Payload, test.frame.Payload)
			}
		})
	}
}

func TestReadFrameSequence(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer

	frames := []Frame{
		{Type: FrameResponse, Payload: []byte("first")},
		{Type: FrameSignal, Payload: []byte("second")},
		{Type: FrameSignal, Payload: []byte("third")},
		{Type: FrameCancel},
	}

	for _, frame := range frames {
		if err := WriteFrame(&buffer, frame); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for index, want := range frames {
		got, err := ReadFrame(&buffer)
		if err != nil {
			t.Fatalf("ReadFrame[%d]: %v", index, err)
		}
		if got.Type != want.Type {
			t.Errorf("frame[%d] type: got 0x%02x, want 0x%02x", index, got.Type, want.Type)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame[%d] payload: got %q, want %q", index, got.Payload, want.Payload)
		}
	}
}

func TestReadFramePayloadTooLarge(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	// A header claiming MaxFramePayload+1 bytes. ReadFrame must refuse
	// before allocating or consuming the payload.
	header := []byte{FrameRequest, 0x00, 0x10, 0x00, 0x01}
	buffer.Write(header)

	_, err := ReadFrame(&buffer)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrame error: got %v, want ErrFrameTooLarge", err)
	}
}

func TestWriteFramePayloadTooLarge(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	frame := Frame{Type: FrameSignal, Payload: make([]byte, MaxFramePayload+1)}

	err := WriteFrame(&buffer, frame)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("WriteFrame error: got %v, want ErrFrameTooLarge", err)
	}
	if buffer.Len() != 0 {
		t.Errorf("rejected frame wrote %d bytes to the stream", buffer.Len())
	}
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty stream", raw: nil},
		{name: "partial header", raw: []byte{FrameRequest, 0x00}},
		{name: "payload shorter than declared", raw: []byte{FrameRequest, 0x00, 0x00, 0x00, 0x08, 'h', 'i'}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadFrame(bytes.NewReader(test.raw))
			if err == nil {
				t.Fatal("expected error for truncated stream")
			}
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()
	want := Request{
		Action:    ActionEmit,
		Token:     "sbt_000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		Topic:     "build.finished",
		Payload:   []byte(`{"status":"green","warnings":2}`),
		TTLMillis: 30_000,
		Priority:  "high",
	}

	var buffer bytes.Buffer
	if err := WriteRequest(&buffer, want); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	got, err := ReadRequest(&buffer)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.Action != want.Action || got.Token != want.Token || got.Topic != want.Topic {
		t.Errorf("request fields: got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("payload: got %q, want %q", got.Payload, want.Payload)
	}
	if got.TTLMillis != want.TTLMillis {
		t.Errorf("ttl_ms: got %d, want %d", got.TTLMillis, want.TTLMillis)
	}
	if got.Priority != want.Priority {
		t.Errorf("priority: got %q, want %q", got.Priority, want.Priority)
	}
}

func TestReadRequestRejectsOtherFrameTypes(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	if err := WriteCancel(&buffer); err != nil {
		t.Fatalf("WriteCancel: %v", err)
	}

	_, err := ReadRequest(&buffer)
	if err == nil {
		t.Fatal("expected error reading a cancel frame as a request")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()
	want := Response{
		OK: true,
		Signals: []Signal{
			{
				Topic:     "deploy.started",
				Payload:   `{"env":"staging"}`,
				Sender:    "ci.runner",
				Timestamp: "2026-03-01T09:00:00.000Z",
				Priority:  "normal",
			},
			{
				Topic:     "deploy.finished",
				Payload:   "null",
				Sender:    "ci.runner",
				Timestamp: "2026-03-01T09:05:00.250Z",
				TTLMillis: 60_000,
				Priority:  "high",
			},
		},
	}

	var buffer bytes.Buffer
	if err := WriteResponse(&buffer, want); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	got, err := ReadResponse(&buffer)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !got.OK {
		t.Fatalf("ok: got false, want true (error %q)", got.Error)
	}
	if len(got.Signals) != len(want.Signals) {
		t.Fatalf("signals: got %d, want %d", len(got.Signals), len(want.Signals))
	}
	for index := range want.Signals {
		if got.Signals[index] != want.Signals[index] {
			t.Errorf("signal[%d]: got %+v, want %+v", index, got.Signals[index], want.Signals[index])
		}
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	t.Parallel()
	want := Response{
		OK:    false,
		Error: "emit requires the write permission",
		Code:  CodePermissionDenied,
	}

	var buffer bytes.Buffer
	if err := WriteResponse(&buffer, want); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	got, err := ReadResponse(&buffer)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if got.OK {
		t.Error("ok: got true, want false")
	}
	if got.Code != CodePermissionDenied {
		t.Errorf("code: got %q, want %q", got.Code, CodePermissionDenied)
	}
	if got.Error != want.Error {
		t.Errorf("error: got %q, want %q", got.Error, want.Error)
	}
}

func TestSignalFrameRoundTrip(t *testing.T) {
	t.Parallel()
	want := Signal{
		Topic:     "alert.disk.full",
		Payload:   `{"mount":"/var","free_bytes":1048576}`,
		Sender:    "node.monitor",
		Timestamp: "2026-03-01T09:00:00.450Z",
		Priority:  "high",
	}

	var buffer bytes.Buffer
	if err := WriteSignal(&buffer, want); err != nil {
		t.Fatalf("WriteSignal: %v", err)
	}

	frame, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != FrameSignal {
		t.Fatalf("frame type: got 0x%02x, want 0x%02x", frame.Type, FrameSignal)
	}

	got, err := DecodeSignal(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if got != want {
		t.Errorf("signal: got %+v, want %+v", got, want)
	}
}

func TestFromSignal(t *testing.T) {
	t.Parallel()
	stamp := time.Date(2026, 3, 1, 9, 0, 0, 450_000_000, time.UTC)

	tests := []struct {
		name string
		in   signal.Signal
		want Signal
	}{
		{
			name: "payload and ttl",
			in: signal.Signal{
				Topic:     "build.finished",
				Payload:   []byte(`{"status":"green"}`),
				Sender:    "ci.runner",
				Timestamp: stamp,
				TTL:       30 * time.Second,
				Priority:  signal.PriorityHigh,
			},
			want: Signal{
				Topic:     "build.finished",
				Payload:   `{"status":"green"}`,
				Sender:    "ci.runner",
				Timestamp: "2026-03-01T09:00:00.450Z",
				TTLMillis: 30_000,
				Priority:  "high",
			},
		},
		{
			name: "absent payload reads null",
			in: signal.Signal{
				Topic:     "heartbeat",
				Sender:    "node.agent",
				Timestamp: stamp,
				Priority:  signal.PriorityNormal,
			},
			want: Signal{
				Topic:     "heartbeat",
				Payload:   "null",
				Sender:    "node.agent",
				Timestamp: "2026-03-01T09:00:00.450Z",
				Priority:  "normal",
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got := FromSignal(test.in)
			if got != test.want {
				t.Errorf("FromSignal: got %+v, want %+v", got, test.want)
			}
		})
	}
}

func TestFormatTime(t *testing.T) {
	t.Parallel()
	if got := FormatTime(time.Time{}); got != "" {
		t.Errorf("zero time: got %q, want empty", got)
	}

	// Non-UTC inputs render in UTC.
	eastern := time.FixedZone("UTC-5", -5*3600)
	stamp := time.Date(2026, 3, 1, 4, 30, 0, 0, eastern)
	if got := FormatTime(stamp); got != "2026-03-01T09:30:00.000Z" {
		t.Errorf("FormatTime: got %q, want 2026-03-01T09:30:00.000Z", got)
	}
}
