// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptostore manages the on-disk namespaces that hold a
// user's end-to-end encryption state.
//
// Each login gets its own namespace, named by [Prefix] from the user ID
// and the first eight characters of the device ID, so users and devices
// sharing a data directory never collide. The crypto engine keeps its
// SQLite database (plus WAL and shared-memory siblings) under that
// name.
//
// [Store.DeleteMatching] wipes every namespace in the directory before
// a fresh login. It is best-effort: each deletion is bounded by a
// timeout, failures are logged, and the outcome is returned as a
// [CleanupReport] rather than an error so callers cannot mistake a
// stuck file for a fatal condition.
package cryptostore
