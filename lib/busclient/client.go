// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package busclient is the Go client for the signalbus daemon.
//
// A Client holds a socket path and a token; each operation dials a
// fresh connection, sends one framed request, and reads the response.
// Listen keeps its connection open and turns the daemon's signal
// frames into a channel.
//
// Daemon-reported failures are mapped from wire codes onto this
// package's sentinel errors, so callers can branch with errors.Is
// without knowing the wire taxonomy.
package busclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalbus-io/signalbus/lib/protocol"
	"github.com/signalbus-io/signalbus/lib/signal"
)

// Sentinel errors mapped from daemon response codes.
var (
	ErrUnauthenticated  = errors.New("busclient: unauthenticated")
	ErrPermissionDenied = errors.New("busclient: permission denied")
	ErrRateLimited      = errors.New("busclient: rate limited")
	ErrNotFound         = errors.New("busclient: not found")
	ErrInvalidPattern   = errors.New("busclient: invalid pattern")
	ErrPayloadTooLarge  = errors.New("busclient: payload too large")
	ErrValidation       = errors.New("busclient: invalid request")
	ErrUnavailable      = errors.New("busclient: daemon unavailable")
)

// codeErrors maps wire codes to sentinels. Unknown codes fall through
// to a plain error built from the response text.
var codeErrors = map[string]error{
	protocol.CodeUnauthenticated:  ErrUnauthenticated,
	protocol.CodePermissionDenied: ErrPermissionDenied,
	protocol.CodeRateLimited:      ErrRateLimited,
	protocol.CodeNotFound:         ErrNotFound,
	protocol.CodeInvalidPattern:   ErrInvalidPattern,
	protocol.CodePayloadTooLarge:  ErrPayloadTooLarge,
	protocol.CodeValidation:       ErrValidation,
	protocol.CodeUnavailable:      ErrUnavailable,
}

// responseError converts a failed response into an error carrying the
// matching sentinel.
func responseError(response protocol.Response) error {
	if base, ok := codeErrors[response.Code]; ok {
		return fmt.Errorf("%w: %s", base, response.Error)
	}
	return fmt.Errorf("busclient: daemon error: %s", response.Error)
}

// DefaultSocketPath returns where the daemon listens when nothing is
// configured: $XDG_RUNTIME_DIR/signalbus/signalbus.sock, falling back
// to the system temp directory.
func DefaultSocketPath() string {
	return filepath.Join(defaultRuntimeDir(), "signalbus.sock")
}

// DefaultTokenPath returns where the daemon writes the bootstrap
// secret by default.
func DefaultTokenPath() string {
	return filepath.Join(defaultRuntimeDir(), "token")
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "signalbus")
	}
	return filepath.Join(os.TempDir(), "signalbus")
}

// ResolveToken returns the first available credential: the explicit
// value, the SIGNALBUS_TOKEN environment variable, then the daemon's
// bootstrap token file.
func ResolveToken(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if token := os.Getenv("SIGNALBUS_TOKEN"); token != "" {
		return token, nil
	}
	data, err := os.ReadFile(DefaultTokenPath())
	if err != nil {
		return "", fmt.Errorf("no token: set --token, SIGNALBUS_TOKEN, or start signalbusd (checked %s): %w", DefaultTokenPath(), err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", DefaultTokenPath())
	}
	return token, nil
}

// Client talks to a signalbus daemon. Safe for concurrent use; every
// operation opens its own connection.
type Client struct {
	socketPath string
	token      string

	// dial opens the daemon connection. Injectable for testing; nil
	// means dial the Unix socket at socketPath.
	dial func(ctx context.Context) (net.Conn, error)
}

// New creates a client for the daemon at socketPath authenticating
// with token.
func New(socketPath, token string) *Client {
	return &Client{socketPath: socketPath, token: token}
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	if c.dial != nil {
		return c.dial(ctx)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial signalbus socket %s: %w", c.socketPath, err)
	}
	return conn, nil
}

// do runs one request/response exchange on a fresh connection.
func (c *Client) do(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return protocol.Response{}, fmt.Errorf("set deadline: %w", err)
		}
	}

	request.Token = c.token
	if err := protocol.WriteRequest(conn, request); err != nil {
		return protocol.Response{}, err
	}
	response, err := protocol.ReadResponse(conn)
	if err != nil {
		return protocol.Response{}, err
	}
	if !response.OK {
		return response, responseError(response)
	}
	return response, nil
}

// EmitOptions are the optional emit parameters.
type EmitOptions struct {
	// TTL bounds how long the signal is retained for history and
	// replay. Zero means no expiry.
	TTL time.Duration

	// Priority selects the delivery class.
	Priority signal.Priority
}

// Emit publishes a signal. payload is JSON text; nil emits a signal
// without a payload. Returns the recorded signal with the
// daemon-assigned timestamp and sender.
func (c *Client) Emit(ctx context.Context, topic string, payload []byte, options EmitOptions) (protocol.Signal, error) {
	response, err := c.do(ctx, protocol.Request{
		Action:    protocol.ActionEmit,
		Topic:     topic,
		Payload:   payload,
		TTLMillis: options.TTL.Milliseconds(),
		Priority:  options.Priority.String(),
	})
	if err != nil {
		return protocol.Signal{}, err
	}
	if response.Signal == nil {
		return protocol.Signal{}, errors.New("busclient: emit response carried no signal")
	}
	return *response.Signal, nil
}

// History returns retained signals matching pattern, most recent
// first. limit <= 0 applies the daemon's default cap.
func (c *Client) History(ctx context.Context, pattern string, limit int) ([]protocol.Signal, error) {
	response, err := c.do(ctx, protocol.Request{
		Action:  protocol.ActionHistory,
		Pattern: pattern,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return response.Signals, nil
}

// SetRateLimit installs or replaces the admission rule for pattern.
// sender restricts the rule to one emitting identity; empty applies
// it to all senders.
func (c *Client) SetRateLimit(ctx context.Context, pattern string, maxCount int, window time.Duration, sender string) error {
	_, err := c.do(ctx, protocol.Request{
		Action:       protocol.ActionRateLimitSet,
		Pattern:      pattern,
		MaxCount:     maxCount,
		WindowMillis: window.Milliseconds(),
		Sender:       sender,
	})
	return err
}

// RateLimits lists the configured admission rules.
func (c *Client) RateLimits(ctx context.Context) ([]protocol.RateLimitRule, error) {
	response, err := c.do(ctx, protocol.Request{Action: protocol.ActionRateLimitList})
	if err != nil {
		return nil, err
	}
	return response.Rules, nil
}

// CreateToken mints a token for identity with the given
// comma-separated permission spelling. ttl zero means the token never
// expires. The returned TokenInfo carries the secret; it is never
// retrievable again.
func (c *Client) CreateToken(ctx context.Context, identity, permissions string, ttl time.Duration) (protocol.TokenInfo, error) {
	response, err := c.do(ctx, protocol.Request{
		Action:      protocol.ActionTokenCreate,
		Identity:    identity,
		Permissions: permissions,
		TTLMillis:   ttl.Milliseconds(),
	})
	if err != nil {
		return protocol.TokenInfo{}, err
	}
	if response.Token == nil {
		return protocol.TokenInfo{}, errors.New("busclient: token-create response carried no token")
	}
	return *response.Token, nil
}

// RevokeToken revokes the token with the given public ID.
func (c *Client) RevokeToken(ctx context.Context, tokenID string) error {
	_, err := c.do(ctx, protocol.Request{
		Action:  protocol.ActionTokenRevoke,
		TokenID: tokenID,
	})
	return err
}

// ListTokens returns the live tokens, oldest first. Requires admin.
// Listings never include secrets.
func (c *Client) ListTokens(ctx context.Context) ([]protocol.TokenInfo, error) {
	response, err := c.do(ctx, protocol.Request{Action: protocol.ActionTokenList})
	if err != nil {
		return nil, err
	}
	return response.Tokens, nil
}

// Status returns the daemon status snapshot.
func (c *Client) Status(ctx context.Context) (protocol.Status, error) {
	response, err := c.do(ctx, protocol.Request{Action: protocol.ActionStatus})
	if err != nil {
		return protocol.Status{}, err
	}
	if response.Status == nil {
		return protocol.Status{}, errors.New("busclient: status response carried no status")
	}
	return *response.Status, nil
}
