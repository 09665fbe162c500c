// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

// Connection handling: the daemon serves framed CBOR requests over its
// Unix socket. Every connection carries one request and its response,
// except "listen", which holds the connection open and streams signal
// frames until the client sends a cancel frame, closes its end, or the
// daemon shuts down.
//
// The server owns authentication: it resolves the request token to a
// grant before dispatching, and maps engine errors onto wire codes on
// the way out. The broker never sees raw secrets.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/signalbus-io/signalbus/lib/broker"
	"github.com/signalbus-io/signalbus/lib/brokertoken"
	"github.com/signalbus-io/signalbus/lib/clock"
	"github.com/signalbus-io/signalbus/lib/protocol"
	"github.com/signalbus-io/signalbus/lib/ratelimit"
	"github.com/signalbus-io/signalbus/lib/signal"
)

// requestTimeout bounds the request read and the response write.
// Listen streams clear the deadline after the handshake.
const requestTimeout = 10 * time.Second

type server struct {
	engine *broker.Broker
	tokens *brokertoken.Registry
	clock  clock.Clock
	logger *slog.Logger

	socketPath string
	listener   net.Listener

	// ctx is cancelled by stop; it ends every active listen stream so
	// handlers.Wait cannot hang on a stalled client.
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
}

func newServer(engine *broker.Broker, tokens *brokertoken.Registry, clk clock.Clock, logger *slog.Logger) *server {
	return &server{
		engine: engine,
		tokens: tokens,
		clock:  clk,
		logger: logger,
	}
}

// start creates the Unix socket and begins accepting connections in a
// goroutine. A stale socket file from a previous run is removed first;
// the live socket is group-accessible (0660).
func (s *server) start(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("creating socket at %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	s.socketPath = socketPath
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("listening", "socket", socketPath)
	go s.accept()
	return nil
}

// stop closes the listener, ends active streams, removes the socket
// file, and waits for in-flight handlers. Idempotent.
func (s *server) stop() {
	if s.listener == nil {
		return
	}
	s.cancel()
	s.listener.Close()
	os.Remove(s.socketPath)
	s.handlers.Wait()
}

// accept runs the accept loop. Each connection is handled in its own
// goroutine.
func (s *server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if !strings.Contains(err.Error(), "use of closed network connection") {
					s.logger.Error("accept connection", "error", err)
				}
				return
			}
		}
		s.handlers.Add(1)
		go s.handle(conn)
	}
}

// handle processes a single connection: read the request under a
// deadline, authenticate, dispatch on the action.
func (s *server) handle(conn net.Conn) {
	defer s.handlers.Done()
	defer conn.Close()

	logger := s.logger
	if cred := peerCredentials(conn); cred != nil {
		logger = logger.With("peer_pid", cred.Pid, "peer_uid", cred.Uid)
	}
	logger.Debug("connection accepted")

	conn.SetDeadline(time.Now().Add(requestTimeout))

	request, err := protocol.ReadRequest(conn)
	if err != nil {
		// Unframeable input: there is no safe way to answer on a
		// stream whose framing is unknown, so just close.
		logger.Debug("request read failed", "error", err)
		return
	}

	grant, err := s.tokens.Authenticate(request.Token)
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}
	logger = logger.With("action", request.Action, "identity", grant.Identity)

	// Budget the response write separately from the request read.
	conn.SetDeadline(time.Now().Add(requestTimeout))

	switch request.Action {
	case protocol.ActionEmit:
		s.handleEmit(conn, logger, grant, request)
	case protocol.ActionListen:
		s.handleListen(conn, logger, grant, request)
	case protocol.ActionHistory:
		s.handleHistory(conn, logger, grant, request)
	case protocol.ActionRateLimitSet:
		s.handleRateLimitSet(conn, logger, grant, request)
	case protocol.ActionRateLimitList:
		s.handleRateLimitList(conn, logger, grant)
	case protocol.ActionTokenCreate:
		s.handleTokenCreate(conn, logger, grant, request)
	case protocol.ActionTokenRevoke:
		s.handleTokenRevoke(conn, logger, grant, request)
	case protocol.ActionTokenList:
		s.handleTokenList(conn, logger, grant)
	case protocol.ActionStatus:
		s.handleStatus(conn, logger)
	default:
		s.respondError(conn, logger, fmt.Errorf("%w: unknown action %q", broker.ErrValidation, request.Action))
	}
}

func (s *server) handleEmit(conn net.Conn, logger *slog.Logger, grant brokertoken.Grant, request protocol.Request) {
	priority := signal.PriorityNormal
	if request.Priority != "" {
		parsed, err := signal.ParsePriority(request.Priority)
		if err != nil {
			s.respondError(conn, logger, fmt.Errorf("%w: %v", broker.ErrValidation, err))
			return
		}
		priority = parsed
	}

	sig, err := s.engine.Emit(grant, broker.EmitRequest{
		Topic:    request.Topic,
		Payload:  request.Payload,
		TTL:      time.Duration(request.TTLMillis) * time.Millisecond,
		Priority: priority,
	})
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}

	logger.Debug("signal emitted", "topic", sig.Topic, "priority", sig.Priority.String())
	wire := protocol.FromSignal(sig)
	s.respond(conn, logger, protocol.Response{OK: true, Signal: &wire})
}

// handleListen upgrades the connection to a signal stream: subscribe,
// acknowledge, then write the replay backlog (oldest first) followed by
// live signals until the stream ends.
func (s *server) handleListen(conn net.Conn, logger *slog.Logger, grant brokertoken.Grant, request protocol.Request) {
	sub, backlog, err := s.engine.Subscribe(grant, broker.SubscribeRequest{
		Pattern:     request.Pattern,
		Scope:       request.Scope,
		Replay:      request.Replay,
		ReplayLimit: request.Limit,
	})
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}
	defer s.engine.Unsubscribe(sub.ID())

	if err := protocol.WriteResponse(conn, protocol.Response{OK: true}); err != nil {
		logger.Debug("listen response write failed", "error", err)
		return
	}

	// The stream has no deadline; it ends on a cancel frame, client
	// close, token revocation, or daemon shutdown.
	conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Closing the connection on cancellation unblocks a pending
	// signal write as well as the client's next read.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Watch for the client's cancel frame. Any read outcome ends the
	// stream: a cancel frame, a close from the client, or a protocol
	// violation.
	go func() {
		defer cancel()
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		if frame.Type != protocol.FrameCancel {
			logger.Debug("unexpected frame on listen stream", "frame_type", frame.Type)
		}
	}()

	logger.Info("listen stream opened",
		"subscription_id", sub.ID(),
		"pattern", request.Pattern,
		"scope", request.Scope,
		"replay", len(backlog),
	)

	for _, sig := range backlog {
		if err := protocol.WriteSignal(conn, protocol.FromSignal(sig)); err != nil {
			logger.Debug("backlog write failed", "error", err)
			return
		}
	}
	for {
		sig, err := sub.Next(ctx)
		if err != nil {
			logger.Debug("listen stream ended", "subscription_id", sub.ID(), "reason", err)
			return
		}
		if err := protocol.WriteSignal(conn, protocol.FromSignal(sig)); err != nil {
			logger.Debug("signal write failed", "error", err)
			return
		}
	}
}

func (s *server) handleHistory(conn net.Conn, logger *slog.Logger, grant brokertoken.Grant, request protocol.Request) {
	signals, err := s.engine.History(grant, request.Pattern, request.Limit)
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}
	s.respond(conn, logger, protocol.Response{OK: true, Signals: protocol.FromSignals(signals)})
}

func (s *server) handleRateLimitSet(conn net.Conn, logger *slog.Logger, grant brokertoken.Grant, request protocol.Request) {
	err := s.engine.ConfigureRateLimit(grant, broker.RateLimitRequest{
		Pattern:  request.Pattern,
		MaxCount: request.MaxCount,
		Window:   time.Duration(request.WindowMillis) * time.Millisecond,
		Sender:   request.Sender,
	})
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}
	s.respond(conn, logger, protocol.Response{OK: true})
}

func (s *server) handleRateLimitList(conn net.Conn, logger *slog.Logger, grant brokertoken.Grant) {
	rules, err := s.engine.RateLimits(grant)
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}
	wire := make([]protocol.RateLimitRule, 0, len(rules))
	for _, rule := range rules {
		wire = append(wire, protocol.RateLimitRule{
			Pattern:      rule.Pattern.String(),
			MaxCount:     rule.MaxCount,
			WindowMillis: rule.Window.Milliseconds(),
			Sender:       rule.Sender,
		})
	}
	s.respond(conn, logger, protocol.Response{OK: true, Rules: wire})
}

func (s *server) handleTokenCreate(conn net.Conn, logger *slog.Logger, grant brokertoken.Grant, request protocol.Request) {
	permissions, err := brokertoken.ParsePermissions(request.Permissions)
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}
	token, secret, err := s.tokens.Create(grant, request.Identity, permissions, time.Duration(request.TTLMillis)*time.Millisecond)
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}

	logger.Info("token created",
		"token_id", token.ID,
		"identity", token.Identity,
		"permissions", token.Permissions.String(),
	)
	s.respond(conn, logger, protocol.Response{OK: true, Token: &protocol.TokenInfo{
		TokenID:     token.ID,
		Identity:    token.Identity,
		Permissions: token.Permissions.String(),
		IssuedAt:    protocol.FormatTime(token.IssuedAt),
		ExpiresAt:   protocol.FormatTime(token.ExpiresAt),
		Secret:      secret,
	}})
}

func (s *server) handleTokenRevoke(conn net.Conn, logger *slog.Logger, grant brokertoken.Grant, request protocol.Request) {
	if err := s.tokens.Revoke(grant, request.TokenID); err != nil {
		s.respondError(conn, logger, err)
		return
	}
	logger.Info("token revoked", "token_id", request.TokenID)
	s.respond(conn, logger, protocol.Response{OK: true})
}

func (s *server) handleTokenList(conn net.Conn, logger *slog.Logger, grant brokertoken.Grant) {
	tokens, err := s.tokens.List(grant)
	if err != nil {
		s.respondError(conn, logger, err)
		return
	}
	wire := make([]protocol.TokenInfo, 0, len(tokens))
	for _, token := range tokens {
		wire = append(wire, protocol.TokenInfo{
			TokenID:     token.ID,
			Identity:    token.Identity,
			Permissions: token.Permissions.String(),
			IssuedAt:    protocol.FormatTime(token.IssuedAt),
			ExpiresAt:   protocol.FormatTime(token.ExpiresAt),
		})
	}
	s.respond(conn, logger, protocol.Response{OK: true, Tokens: wire})
}

func (s *server) handleStatus(conn net.Conn, logger *slog.Logger) {
	status := s.engine.Status()
	s.respond(conn, logger, protocol.Response{OK: true, Status: &protocol.Status{
		StartedAt:      protocol.FormatTime(status.StartedAt),
		UptimeMillis:   s.clock.Now().Sub(status.StartedAt).Milliseconds(),
		Subscriptions:  status.Subscriptions,
		Tokens:         status.Tokens,
		HistorySize:    status.HistorySize,
		RateLimitRules: status.RateLimitRules,
		Emitted:        status.Emitted,
		Delivered:      status.Delivered,
		Dropped:        status.Dropped,
		Denied:         status.Denied,
	}})
}

func (s *server) respond(conn net.Conn, logger *slog.Logger, response protocol.Response) {
	if err := protocol.WriteResponse(conn, response); err != nil {
		logger.Debug("response write failed", "error", err)
	}
}

func (s *server) respondError(conn net.Conn, logger *slog.Logger, err error) {
	code := errorCode(err)
	logger.Debug("request failed", "code", code, "error", err)
	if writeErr := protocol.WriteResponse(conn, protocol.Response{Error: err.Error(), Code: code}); writeErr != nil {
		logger.Debug("error response write failed", "error", writeErr)
	}
}

// errorCode maps engine errors onto the wire code taxonomy. Anything
// unrecognized is an internal error: the daemon never leaks Go error
// chains as codes clients might branch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, brokertoken.ErrUnauthenticated):
		return protocol.CodeUnauthenticated
	case errors.Is(err, brokertoken.ErrPermissionDenied):
		return protocol.CodePermissionDenied
	case errors.Is(err, ratelimit.ErrRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, brokertoken.ErrNotFound), errors.Is(err, broker.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, signal.ErrInvalidPattern):
		return protocol.CodeInvalidPattern
	case errors.Is(err, broker.ErrPayloadTooLarge):
		return protocol.CodePayloadTooLarge
	case errors.Is(err, broker.ErrValidation),
		errors.Is(err, brokertoken.ErrInvalidPermissions),
		errors.Is(err, signal.ErrInvalidTopic),
		errors.Is(err, ratelimit.ErrInvalidRule):
		return protocol.CodeValidation
	case errors.Is(err, broker.ErrSubscriptionLimit):
		return protocol.CodeUnavailable
	default:
		return protocol.CodeInternal
	}
}

// peerCredentials returns the connecting process's SO_PEERCRED
// credentials, or nil when they cannot be read. Logging-only: the
// token, not the peer identity, is what authorizes requests.
func peerCredentials(conn net.Conn) *unix.Ucred {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return nil
	}
	return cred
}
