// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Everything time-driven in the broker (rate-limit windows, history
// TTL expiry, the daemon's periodic sweep) takes a Clock instead of
// calling the time package directly. Production code injects Real();
// tests inject Fake() and move time with Advance, so no test ever
// sleeps on the wall clock.
//
// When a goroutine calls Sleep, After, or NewTicker on a FakeClock it
// registers a pending waiter. Tests use WaitForTimers to block until
// the waiter exists before calling Advance, which removes the race
// between timer registration and time advancement.
package clock

import "time"

// Clock abstracts the time operations the broker performs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on its C channel
	// every d. Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release it. C has capacity 1, so a slow consumer drops ticks rather
// than queueing them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns off the ticker. No more ticks arrive on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset changes the interval and restarts the tick cycle; the next
// tick arrives after the new duration.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{
		C:         ticker.C,
		stopFunc:  ticker.Stop,
		resetFunc: ticker.Reset,
	}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
