// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for hyphae packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests waiting on sync callbacks, websocket pushes or
// background goroutines do not each carry their own time.After. They
// are the only place tests use real wall-clock timeouts; everything
// else runs on lib/clock's fake clock.
//
// [UniqueID] returns monotonically increasing identifiers for room
// names, message bodies and event IDs that must be distinguishable
// within one mock homeserver.
package testutil
