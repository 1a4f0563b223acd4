// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the parts of the Matrix client-server API the
// hyphae client drives directly: password login, /sync, room creation,
// event sending, room state, joined rooms and back-pagination.
//
// [Client] is unauthenticated and holds the homeserver URL and HTTP
// transport. [Client.Login] returns a [DirectSession], which carries
// the access token in a secret.Buffer and implements [Session]. The
// caller must Close the session to release the token memory.
//
// End-to-end encryption is not handled here. [SyncResponse.Raw] keeps
// the undecoded /sync body so the crypto engine can consume the
// sections this package does not model (to-device events, device list
// changes, one-time key counts).
//
// API errors are returned as [*MatrixError]; [IsMatrixError] tests for a
// specific errcode. Request URLs are built by string concatenation with
// url.PathEscape on each path segment.
package messaging
