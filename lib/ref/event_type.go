// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix state or timeline event type
// ("m.room.message", "com.hyphae.data.record"). Event types are opaque
// and need no validation; the named type keeps them from being mixed
// up with state keys and message bodies. Constants live in lib/schema.
type EventType string

func (t EventType) String() string { return string(t) }
