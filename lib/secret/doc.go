// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds the login password and the homeserver access
// token for the lifetime of a session.
//
// [Buffer] memory is mapped outside the Go heap (mmap MAP_ANONYMOUS),
// locked against swap (mlock), and excluded from core dumps
// (MADV_DONTDUMP). Close zeroes and unmaps it. The password has to
// outlive login because the cross-signing bootstrap re-authenticates
// with it on demand, which is why it is not simply a string.
//
// Constructors: [New], [NewFromBytes] (zeroes the source),
// [NewFromString] (for values that already arrived as strings, e.g.
// decoded JSON form fields), [ReadFromPath] and [ReadFromTerminal].
//
// Depends on golang.org/x/sys/unix and golang.org/x/term.
package secret
