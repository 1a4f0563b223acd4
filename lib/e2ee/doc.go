// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee wraps the end-to-end encryption engine behind a small
// interface.
//
// Hyphae never implements Olm, Megolm, cross-signing, or secret storage
// itself. [Engine] is the set of entry points the client handle calls:
// feed it every raw /sync body, ask it to decrypt m.room.encrypted
// events and encrypt outgoing content, bootstrap cross-signing, and
// restore keys from secret storage with a recovery key.
//
// [Open] returns the production engine, backed by mautrix-go's
// OlmMachine and its SQLite crypto store. Each engine owns one
// database file, named by the storage namespace prefix the caller
// derives (see lib/cryptostore). The pickle key that encrypts Olm state
// at rest is derived per namespace by [PickleKey].
//
// mautrix logs through zerolog; [NewZerologBridge] forwards those
// records into the process's slog handler.
package e2ee
