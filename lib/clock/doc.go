// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the timers hyphae depends on: the settle
// delay after local key deletion, the per-deletion timeout, the
// recovery modal's close delay, the sync loop's retry backoff and the
// websocket ping ticker.
//
// Production code takes a Clock instead of calling the time package.
// Real() wraps the time package; Fake() returns a clock that moves only
// when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go bootstrapper.Login(ctx, "alice", "pw") // sleeps 500ms mid-flow
//	c.WaitForTimers(1)
//	c.Advance(500 * time.Millisecond)
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
