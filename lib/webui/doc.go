// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package webui serves the hyphae page to a local browser.
//
// The page is a thin shell: it POSTs each user action to
// /api/{action} and renders whatever [app.View] arrives on the /ws
// websocket. All state lives in the [app.Controller]; the browser
// holds only input field contents. Fragments in the view are
// rendered and escaped server-side, so the page inserts them as-is.
//
// [Hub] implements [app.Publisher]. Each connection gets the current
// view on connect and every published view afterwards. Views are full
// snapshots, so a connection that falls behind skips intermediate
// views rather than queueing them.
//
// [Server] owns the TCP listener and graceful shutdown. Hijacked
// websocket connections are not tracked by http.Server.Shutdown, so
// Serve closes the hub explicitly.
package webui
