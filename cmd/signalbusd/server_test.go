// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalbus-io/signalbus/lib/broker"
	"github.com/signalbus-io/signalbus/lib/brokertoken"
	"github.com/signalbus-io/signalbus/lib/busclient"
	"github.com/signalbus-io/signalbus/lib/clock"
	"github.com/signalbus-io/signalbus/lib/history"
	"github.com/signalbus-io/signalbus/lib/protocol"
	"github.com/signalbus-io/signalbus/lib/ratelimit"
	"github.com/signalbus-io/signalbus/lib/signal"
	"github.com/signalbus-io/signalbus/lib/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testDaemon struct {
	socket string
	secret string
	clock  *clock.FakeClock
	tokens *brokertoken.Registry
	engine *broker.Broker
	server *server
}

// startTestDaemon brings up a full server on a real Unix socket with a
// fake clock and a bootstrap admin token.
func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	clk := clock.Fake(testEpoch)
	tokens := brokertoken.NewRegistry(clk)
	limits := ratelimit.NewLimiter(clk)
	store := history.NewStore(clk, history.Options{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := broker.New(clk, tokens, limits, store, broker.Options{Logger: logger})

	_, secret, err := tokens.Bootstrap("admin")
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "signalbusd.sock")
	srv := newServer(engine, tokens, clk, logger)
	if err := srv.start(context.Background(), socketPath); err != nil {
		t.Fatalf("start() error: %v", err)
	}
	t.Cleanup(func() {
		srv.stop()
		engine.Close()
	})

	return &testDaemon{
		socket: socketPath,
		secret: secret,
		clock:  clk,
		tokens: tokens,
		engine: engine,
		server: srv,
	}
}

func (d *testDaemon) client() *busclient.Client {
	return busclient.New(d.socket, d.secret)
}

// clientAs mints a token with the given permissions and returns a
// client authenticating with it.
func (d *testDaemon) clientAs(t *testing.T, identity, permissions string) *busclient.Client {
	t.Helper()
	info, err := d.client().CreateToken(testContext(t), identity, permissions, 0)
	if err != nil {
		t.Fatalf("CreateToken(%q, %q) error: %v", identity, permissions, err)
	}
	return busclient.New(d.socket, info.Secret)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal(message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerEmitHistoryRoundTrip(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	emitted, err := client.Emit(testContext(t), "orders.created", []byte(`{"id": 42}`), busclient.EmitOptions{
		TTL:      time.Minute,
		Priority: signal.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if emitted.Sender != "admin" {
		t.Errorf("emitted sender = %q, want %q", emitted.Sender, "admin")
	}
	if emitted.Timestamp != "2026-03-01T09:00:00.000Z" {
		t.Errorf("emitted timestamp = %q, want %q", emitted.Timestamp, "2026-03-01T09:00:00.000Z")
	}
	if emitted.Priority != "high" {
		t.Errorf("emitted priority = %q, want %q", emitted.Priority, "high")
	}

	signals, err := client.History(testContext(t), "orders.**", 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("History() returned %d signals, want 1", len(signals))
	}
	got := signals[0]
	if got.Topic != "orders.created" {
		t.Errorf("history topic = %q, want %q", got.Topic, "orders.created")
	}
	if got.Payload != `{"id": 42}` {
		t.Errorf("history payload = %q, want %q", got.Payload, `{"id": 42}`)
	}
	if got.TTLMillis != time.Minute.Milliseconds() {
		t.Errorf("history ttl_ms = %d, want %d", got.TTLMillis, time.Minute.Milliseconds())
	}
}

func TestServerEmitValidation(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		want    error
	}{
		{"colon delimiter rejected", "orders:created", nil, busclient.ErrValidation},
		{"wildcard in topic", "orders.*", nil, busclient.ErrValidation},
		{"payload not json", "orders.created", []byte("{nope"), busclient.ErrValidation},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := client.Emit(testContext(t), test.topic, test.payload, busclient.EmitOptions{})
			if !errors.Is(err, test.want) {
				t.Errorf("Emit() error = %v, want %v", err, test.want)
			}
		})
	}

	// No denied emission leaves a trace in history.
	signals, err := client.History(testContext(t), "**", 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("history has %d signals after denied emits, want 0", len(signals))
	}
}

func TestServerEmitPayloadTooLarge(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	payload := `"` + strings.Repeat("x", broker.DefaultMaxPayloadSize+1) + `"`
	_, err := client.Emit(testContext(t), "bulk.import", []byte(payload), busclient.EmitOptions{})
	if !errors.Is(err, busclient.ErrPayloadTooLarge) {
		t.Errorf("Emit() error = %v, want %v", err, busclient.ErrPayloadTooLarge)
	}
}

func TestServerListenDeliversLive(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.Listen(ctx, "jobs.*", busclient.ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer stream.Close()

	if _, err := client.Emit(testContext(t), "jobs.started", []byte(`{"job": "backup"}`), busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	sig := testutil.RequireReceive(t, stream.Signals(), 5*time.Second, "waiting for live delivery")
	if sig.Topic != "jobs.started" {
		t.Errorf("delivered topic = %q, want %q", sig.Topic, "jobs.started")
	}
	if sig.Payload != `{"job": "backup"}` {
		t.Errorf("delivered payload = %q, want %q", sig.Payload, `{"job": "backup"}`)
	}
	if sig.Sender != "admin" {
		t.Errorf("delivered sender = %q, want %q", sig.Sender, "admin")
	}

	// The pattern is single-segment: a deeper topic must not arrive.
	if _, err := client.Emit(testContext(t), "jobs.started.extra", nil, busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	select {
	case sig := <-stream.Signals():
		t.Fatalf("unexpected delivery of topic %q", sig.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerListenReplayBacklog(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	if _, err := client.Emit(testContext(t), "deploy.started", nil, busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	daemon.clock.Advance(time.Second)
	if _, err := client.Emit(testContext(t), "deploy.finished", []byte(`{"ok": true}`), busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.Listen(ctx, "deploy.*", busclient.ListenOptions{Replay: true})
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer stream.Close()

	// Backlog arrives oldest first, before anything live.
	first := testutil.RequireReceive(t, stream.Signals(), 5*time.Second, "waiting for first replayed signal")
	if first.Topic != "deploy.started" {
		t.Errorf("first replayed topic = %q, want %q", first.Topic, "deploy.started")
	}
	second := testutil.RequireReceive(t, stream.Signals(), 5*time.Second, "waiting for second replayed signal")
	if second.Topic != "deploy.finished" {
		t.Errorf("second replayed topic = %q, want %q", second.Topic, "deploy.finished")
	}

	if _, err := client.Emit(testContext(t), "deploy.verified", nil, busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	live := testutil.RequireReceive(t, stream.Signals(), 5*time.Second, "waiting for live signal after replay")
	if live.Topic != "deploy.verified" {
		t.Errorf("live topic = %q, want %q", live.Topic, "deploy.verified")
	}
}

func TestServerListenScopeFiltersSenders(t *testing.T) {
	daemon := startTestDaemon(t)
	admin := daemon.client()
	ci := daemon.clientAs(t, "ci", "write")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := admin.Listen(ctx, "build.**", busclient.ListenOptions{Scope: "ci"})
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer stream.Close()

	// The admin's own emission is filtered by scope; only ci's lands.
	if _, err := admin.Emit(testContext(t), "build.done", []byte(`{"from": "admin"}`), busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if _, err := ci.Emit(testContext(t), "build.done", []byte(`{"from": "ci"}`), busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	sig := testutil.RequireReceive(t, stream.Signals(), 5*time.Second, "waiting for scoped delivery")
	if sig.Sender != "ci" {
		t.Errorf("delivered sender = %q, want %q", sig.Sender, "ci")
	}
}

func TestServerListenClose(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.Listen(ctx, "jobs.*", busclient.ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return daemon.engine.Status().Subscriptions == 1
	}, "subscription never registered")

	stream.Close()
	testutil.RequireClosed(t, stream.Signals(), 5*time.Second, "stream channel should close after Close")
	if err := stream.Err(); err != nil {
		t.Errorf("Err() after clean close = %v, want nil", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return daemon.engine.Status().Subscriptions == 0
	}, "subscription never detached after close")
}

func TestServerUnauthenticated(t *testing.T) {
	daemon := startTestDaemon(t)
	impostor := busclient.New(daemon.socket, "sbt_notarealsecret")

	_, err := impostor.Status(testContext(t))
	if !errors.Is(err, busclient.ErrUnauthenticated) {
		t.Errorf("Status() error = %v, want %v", err, busclient.ErrUnauthenticated)
	}
}

func TestServerPermissionDenied(t *testing.T) {
	daemon := startTestDaemon(t)
	watcher := daemon.clientAs(t, "watcher", "read")

	_, err := watcher.Emit(testContext(t), "jobs.started", nil, busclient.EmitOptions{})
	if !errors.Is(err, busclient.ErrPermissionDenied) {
		t.Errorf("Emit() error = %v, want %v", err, busclient.ErrPermissionDenied)
	}
	if _, err := watcher.History(testContext(t), "**", 0); !errors.Is(err, busclient.ErrPermissionDenied) {
		t.Errorf("History() error = %v, want %v", err, busclient.ErrPermissionDenied)
	}

	// Read permission still covers listening.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := watcher.Listen(ctx, "jobs.*", busclient.ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() with read permission error: %v", err)
	}
	stream.Close()
}

func TestServerRateLimit(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	if err := client.SetRateLimit(testContext(t), "metrics.**", 1, time.Minute, ""); err != nil {
		t.Fatalf("SetRateLimit() error: %v", err)
	}

	rules, err := client.RateLimits(testContext(t))
	if err != nil {
		t.Fatalf("RateLimits() error: %v", err)
	}
	if len(rules) != 1 || rules[0].Pattern != "metrics.**" || rules[0].MaxCount != 1 {
		t.Fatalf("RateLimits() = %+v, want one metrics.** rule with max 1", rules)
	}
	if rules[0].WindowMillis != time.Minute.Milliseconds() {
		t.Errorf("rule window_ms = %d, want %d", rules[0].WindowMillis, time.Minute.Milliseconds())
	}

	if _, err := client.Emit(testContext(t), "metrics.cpu", nil, busclient.EmitOptions{}); err != nil {
		t.Fatalf("first Emit() error: %v", err)
	}
	_, err = client.Emit(testContext(t), "metrics.cpu", nil, busclient.EmitOptions{})
	if !errors.Is(err, busclient.ErrRateLimited) {
		t.Errorf("second Emit() error = %v, want %v", err, busclient.ErrRateLimited)
	}

	// High priority bypasses admission entirely.
	if _, err := client.Emit(testContext(t), "metrics.cpu", nil, busclient.EmitOptions{Priority: signal.PriorityHigh}); err != nil {
		t.Errorf("high priority Emit() error = %v, want nil", err)
	}
}

func TestServerTokenLifecycle(t *testing.T) {
	daemon := startTestDaemon(t)
	admin := daemon.client()

	info, err := admin.CreateToken(testContext(t), "ci", "read,write", time.Hour)
	if err != nil {
		t.Fatalf("CreateToken() error: %v", err)
	}
	if !strings.HasPrefix(info.Secret, "sbt_") {
		t.Errorf("secret = %q, want sbt_ prefix", info.Secret)
	}
	if info.Identity != "ci" {
		t.Errorf("identity = %q, want %q", info.Identity, "ci")
	}
	if info.Permissions != "read,write" {
		t.Errorf("permissions = %q, want %q", info.Permissions, "read,write")
	}
	if info.ExpiresAt != "2026-03-01T10:00:00.000Z" {
		t.Errorf("expires_at = %q, want %q", info.ExpiresAt, "2026-03-01T10:00:00.000Z")
	}

	ci := busclient.New(daemon.socket, info.Secret)
	if _, err := ci.Emit(testContext(t), "ci.build.done", nil, busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() with created token error: %v", err)
	}

	if err := admin.RevokeToken(testContext(t), info.TokenID); err != nil {
		t.Fatalf("RevokeToken() error: %v", err)
	}
	_, err = ci.Emit(testContext(t), "ci.build.done", nil, busclient.EmitOptions{})
	if !errors.Is(err, busclient.ErrUnauthenticated) {
		t.Errorf("Emit() after revocation error = %v, want %v", err, busclient.ErrUnauthenticated)
	}

	if err := admin.RevokeToken(testContext(t), "tok-missing"); !errors.Is(err, busclient.ErrNotFound) {
		t.Errorf("RevokeToken(unknown) error = %v, want %v", err, busclient.ErrNotFound)
	}

	// Token creation needs admin.
	scoped := daemon.clientAs(t, "scoped", "read,write")
	if _, err := scoped.CreateToken(testContext(t), "minion", "read", 0); !errors.Is(err, busclient.ErrPermissionDenied) {
		t.Errorf("CreateToken() without admin error = %v, want %v", err, busclient.ErrPermissionDenied)
	}
}

func TestServerTokenList(t *testing.T) {
	daemon := startTestDaemon(t)
	admin := daemon.client()

	daemon.clock.Advance(time.Second)
	created, err := admin.CreateToken(testContext(t), "ci", "write", 0)
	if err != nil {
		t.Fatalf("CreateToken() error: %v", err)
	}

	tokens, err := admin.ListTokens(testContext(t))
	if err != nil {
		t.Fatalf("ListTokens() error: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("ListTokens() returned %d tokens, want 2", len(tokens))
	}
	if tokens[0].Identity != "admin" || tokens[1].Identity != "ci" {
		t.Errorf("order = %s, %s; want admin (bootstrap) then ci", tokens[0].Identity, tokens[1].Identity)
	}
	if tokens[1].TokenID != created.TokenID {
		t.Errorf("token id = %q, want %q", tokens[1].TokenID, created.TokenID)
	}
	if tokens[1].ExpiresAt != "" {
		t.Errorf("zero-ttl token lists expiry %q", tokens[1].ExpiresAt)
	}
	for _, token := range tokens {
		if token.Secret != "" {
			t.Errorf("listing for %s leaked a secret", token.Identity)
		}
	}

	ci := busclient.New(daemon.socket, created.Secret)
	if _, err := ci.ListTokens(testContext(t)); !errors.Is(err, busclient.ErrPermissionDenied) {
		t.Errorf("ListTokens() without admin error = %v, want %v", err, busclient.ErrPermissionDenied)
	}
}

func TestServerInvalidPattern(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	if _, err := client.History(testContext(t), "**.orders", 0); !errors.Is(err, busclient.ErrInvalidPattern) {
		t.Errorf("History() error = %v, want %v", err, busclient.ErrInvalidPattern)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := client.Listen(ctx, "a..b", busclient.ListenOptions{}); !errors.Is(err, busclient.ErrInvalidPattern) {
		t.Errorf("Listen() error = %v, want %v", err, busclient.ErrInvalidPattern)
	}
}

func TestServerStatus(t *testing.T) {
	daemon := startTestDaemon(t)
	client := daemon.client()

	if _, err := client.Emit(testContext(t), "a.one", nil, busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if _, err := client.Emit(testContext(t), "a.two", nil, busclient.EmitOptions{}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := client.Listen(ctx, "a.*", busclient.ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer stream.Close()

	daemon.clock.Advance(time.Minute)

	status, err := client.Status(testContext(t))
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.StartedAt != "2026-03-01T09:00:00.000Z" {
		t.Errorf("started_at = %q, want %q", status.StartedAt, "2026-03-01T09:00:00.000Z")
	}
	if status.UptimeMillis != time.Minute.Milliseconds() {
		t.Errorf("uptime_ms = %d, want %d", status.UptimeMillis, time.Minute.Milliseconds())
	}
	if status.Emitted != 2 {
		t.Errorf("emitted = %d, want 2", status.Emitted)
	}
	if status.HistorySize != 2 {
		t.Errorf("history_size = %d, want 2", status.HistorySize)
	}
	if status.Subscriptions != 1 {
		t.Errorf("subscriptions = %d, want 1", status.Subscriptions)
	}
	if status.Tokens != 1 {
		t.Errorf("tokens = %d, want 1", status.Tokens)
	}
}

func TestServerUnknownAction(t *testing.T) {
	daemon := startTestDaemon(t)

	conn, err := net.Dial("unix", daemon.socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteRequest(conn, protocol.Request{Action: "bogus", Token: daemon.secret}); err != nil {
		t.Fatalf("WriteRequest() error: %v", err)
	}
	response, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse() error: %v", err)
	}
	if response.OK {
		t.Fatal("response.OK = true for unknown action, want false")
	}
	if response.Code != protocol.CodeValidation {
		t.Errorf("response.Code = %q, want %q", response.Code, protocol.CodeValidation)
	}
}

func TestServerOversizedFrameClosesConnection(t *testing.T) {
	daemon := startTestDaemon(t)

	conn, err := net.Dial("unix", daemon.socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Frame header declaring a payload over the 1 MiB bound. The
	// daemon must drop the connection without a response.
	header := []byte{protocol.FrameRequest, 0x00, 0x20, 0x00, 0x00}
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.ReadResponse(conn); !errors.Is(err, io.EOF) {
		t.Errorf("ReadResponse() error = %v, want %v", err, io.EOF)
	}
}

func TestSweepLoopPurgesExpiredHistory(t *testing.T) {
	daemon := startTestDaemon(t)

	grant, err := daemon.tokens.Authenticate(daemon.secret)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if _, err := daemon.engine.Emit(grant, broker.EmitRequest{Topic: "cache.warm", TTL: 30 * time.Second}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go sweepLoop(ctx, daemon.clock, daemon.engine, time.Minute, logger)

	// Let the loop register its ticker before advancing past both the
	// TTL and the sweep interval.
	daemon.clock.WaitForTimers(1)
	daemon.clock.Advance(time.Minute)

	waitFor(t, 2*time.Second, func() bool {
		return daemon.engine.Status().HistorySize == 0
	}, "expired signal never purged by sweep")
}
