// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the Matrix event types and content structures
// hyphae reads and writes: the standard room events it projects
// (m.room.message, m.room.name, m.room.encryption, m.room.member) and
// the application's own [EventTypeDataRecord] convention for storing
// key/value pairs in a room timeline.
//
// This package depends on no other hyphae packages except lib/ref.
package schema
