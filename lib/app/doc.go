// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package app is the hyphae client session: the login sequence and
// the user actions that follow it.
//
// [Bootstrapper.Login] runs the fixed login sequence (password login,
// crypto namespace cleanup, engine initialization, cross-signing, sync
// start) and returns a [BootstrapResult] holding the live client
// handle.
//
// [Controller] owns that handle for one session. Every user action
// (send, store data, create room, restore keys, select room, load
// older messages, logout) is a method taking a context and returning
// an [ActionResult]. After each state change the controller renders a
// fresh [View] and hands it to its [Publisher]; the web UI pushes it to
// the page.
//
// Locking: the controller's state is guarded by a single mutex that is
// never held across a network call or while publishing.
package app
