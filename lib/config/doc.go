// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the Hyphae
// client.
//
// Configuration comes from a single file named by either the
// HYPHAE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no ~/.config discovery and no file search.
// When neither is given, [Load] returns the built-in defaults, which
// point at the public hyphae.social homeserver.
//
// String fields are expanded after loading: ${HOME},
// ${XDG_DATA_HOME}, and ${VAR:-default} patterns are resolved.
// Environment variables never override config values directly.
//
// Key exports:
//
//   - [Config] -- homeserver, storage, web UI and timing settings
//   - [Default] -- returns a Config with the built-in defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other Hyphae packages.
package config
