// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build identity of the hyphae binary.
//
// Release builds stamp the variables with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/hyphae/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/hyphae
//
// Builds without ldflags fall back to the module build info embedded
// by the Go toolchain.
package version
