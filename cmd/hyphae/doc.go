// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Hyphae is an end-to-end encrypted Matrix client.
//
// Subcommands:
//
//	hyphae serve        serve the web UI on a loopback address
//	hyphae clear-keys   delete every stored crypto namespace
//	hyphae view         log in and print rooms and a room's timeline
//
// Configuration is YAML, read from --config or $HYPHAE_CONFIG; see
// lib/config for the keys and defaults.
package main
