// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncclient is the authenticated client handle for one login
// session.
//
// A [Client] wraps a messaging.Session with everything a chat UI needs
// between requests: the joined rooms and their state, an in-memory
// timeline per room, the crypto engine, and a /sync long-poll loop
// that keeps all of it current. The handle is the only place timeline
// events are decrypted and outgoing events are encrypted; callers see
// effective (plaintext) event types and content.
//
// Lifecycle:
//
//	client, _ := syncclient.New(syncclient.Config{Session: session, ...})
//	_ = client.InitCrypto(ctx, namespace)
//	client.OnTimeline(func(n syncclient.TimelineNotification) { ... })
//	client.OncePrepared(func() { ... })
//	_ = client.Start(syncclient.SyncOptions{InitialTimelineLimit: 10})
//	...
//	client.Close()
//
// Listener callbacks run on the sync goroutine (or on the caller of
// [Client.Paginate] for back-paginated events) in delivery order. The
// handle never holds its lock while calling listeners, the session, or
// the engine, so callbacks may call back into the handle.
package syncclient
