// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for the Matrix
// identifiers hyphae passes between the homeserver client, the sync
// handle, the crypto engine, and the UI: user IDs, room IDs, event IDs,
// device IDs, and server names.
//
// Constructors validate the structural format and return errors for
// malformed input. Values are immutable; the zero value of each type
// means "unset" and is reported by IsZero.
//
// Every type implements encoding.TextMarshaler so it can be used
// directly in JSON documents and as a JSON object key (sync responses
// key joined rooms by room ID).
package ref
