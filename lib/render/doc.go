// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package render turns timeline projections into display output.
//
// [HTML] produces the fragments the web UI swaps into the page. It uses
// html/template, so every string that came from an event (sender,
// body, data record key and value, room name) is escaped contextually.
//
// [Terminal] produces styled lines for the read-only `hyphae view`
// command. Event text is stripped of ANSI control sequences before
// styling so a message cannot repaint the operator's terminal.
package render
