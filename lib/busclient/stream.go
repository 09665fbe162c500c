// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package busclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/signalbus-io/signalbus/lib/protocol"
)

// ListenOptions are the optional listen parameters.
type ListenOptions struct {
	// Scope restricts delivery to signals whose sender matches this
	// pattern. Empty delivers regardless of sender.
	Scope string

	// Replay requests the retained backlog matching the pattern
	// before live delivery, oldest first.
	Replay bool

	// ReplayLimit caps the backlog. Zero applies the daemon's default
	// query cap.
	ReplayLimit int
}

// Stream is an active listen subscription. Signals arrive on
// Signals(); the channel closes when the stream ends. After the close,
// Err() reports why: nil for a clean end (Close called, context
// cancelled, or daemon shutdown), the transport error otherwise.
type Stream struct {
	conn    net.Conn
	signals chan protocol.Signal

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Listen opens a subscription for pattern. The context governs the
// whole stream: cancelling it closes the stream. If Replay is set the
// daemon delivers the retained backlog (oldest first) before any live
// signal.
func (c *Client) Listen(ctx context.Context, pattern string, options ListenOptions) (*Stream, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	request := protocol.Request{
		Action:  protocol.ActionListen,
		Token:   c.token,
		Pattern: pattern,
		Scope:   options.Scope,
		Replay:  options.Replay,
		Limit:   options.ReplayLimit,
	}
	if err := protocol.WriteRequest(conn, request); err != nil {
		conn.Close()
		return nil, err
	}
	response, err := protocol.ReadResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !response.OK {
		conn.Close()
		return nil, responseError(response)
	}

	stream := &Stream{
		conn:    conn,
		signals: make(chan protocol.Signal, 16),
		done:    make(chan struct{}),
	}
	go stream.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stream.done:
		}
	}()
	return stream, nil
}

// Signals returns the delivery channel. It closes when the stream
// ends.
func (s *Stream) Signals() <-chan protocol.Signal {
	return s.signals
}

// Err reports why the stream ended. Valid after Signals() closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream: sends a best-effort cancel frame and closes
// the connection. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		// Best effort; the connection close is what actually ends the
		// daemon-side subscription.
		_ = protocol.WriteCancel(s.conn)
		s.conn.Close()
	})
	return nil
}

// readLoop turns incoming signal frames into channel sends until the
// connection ends.
func (s *Stream) readLoop() {
	defer close(s.signals)
	for {
		frame, err := protocol.ReadFrame(s.conn)
		if err != nil {
			s.finish(err)
			return
		}
		if frame.Type != protocol.FrameSignal {
			s.finish(fmt.Errorf("busclient: unexpected frame type 0x%02x on listen stream", frame.Type))
			return
		}
		sig, err := protocol.DecodeSignal(frame.Payload)
		if err != nil {
			s.finish(err)
			return
		}
		select {
		case s.signals <- sig:
		case <-s.done:
			s.finish(nil)
			return
		}
	}
}

// finish records the stream outcome. Errors caused by our own Close
// and clean daemon-side ends are not reported.
func (s *Stream) finish(err error) {
	select {
	case <-s.done:
		err = nil
	default:
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
