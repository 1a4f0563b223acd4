// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework for the hyphae binary.
//
// A [Command] has a name, an optional [pflag.FlagSet] factory, and
// either a Run function or nested Subcommands. [Command.Execute]
// routes to the matching subcommand, parses flags, and passes the
// context through to Run so that an interrupt cancels whatever the
// command is waiting on.
//
// Unknown subcommands and flags get a "did you mean" suggestion when
// a known name is within Levenshtein distance 3.
package cli
