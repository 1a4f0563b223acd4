// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline projects a room's stored timeline into the lists the
// views display: chat messages, data records, and the room directory.
//
// Every function here is pure. Callers pass a snapshot (from
// [syncclient.Client.Timeline] or [syncclient.Client.Rooms]) and get
// back plain values that the render adapters in lib/render turn into
// HTML or terminal output. Empty results carry the placeholder text
// the views show instead of an empty list.
package timeline
