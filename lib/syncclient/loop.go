// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bureau-foundation/hyphae/messaging"
)

// Sync loop defaults.
const (
	DefaultInitialTimelineLimit = 10
	DefaultSyncTimeout          = 30 * time.Second
	DefaultMaxBackoff           = 30 * time.Second
)

// SyncOptions configures the /sync loop.
type SyncOptions struct {
	// InitialTimelineLimit bounds the per-room timeline backlog the
	// homeserver returns. Default: 10.
	InitialTimelineLimit int

	// Timeout is the long-poll timeout of incremental syncs.
	// Default: 30 seconds.
	Timeout time.Duration

	// MaxBackoff caps the retry delay after a failed sync. The delay
	// starts at one second and doubles. Default: 30 seconds.
	MaxBackoff time.Duration
}

// timelineFilter returns the inline filter limiting each room's
// timeline to limit events.
func timelineFilter(limit int) string {
	filter, _ := json.Marshal(map[string]any{
		"room": map[string]any{
			"timeline": map[string]any{"limit": limit},
		},
	})
	return string(filter)
}

// Start launches the sync goroutine. The first request is a full
// (since-less) sync; when it has been processed the prepared callbacks
// run.
func (c *Client) Start(options SyncOptions) error {
	if options.InitialTimelineLimit <= 0 {
		options.InitialTimelineLimit = DefaultInitialTimelineLimit
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultSyncTimeout
	}
	if options.MaxBackoff <= 0 {
		options.MaxBackoff = DefaultMaxBackoff
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		c.run(ctx, options)
	}()
	return nil
}

// run is the sync loop. It returns when ctx is cancelled. Transient
// failures are retried with exponential backoff.
func (c *Client) run(ctx context.Context, options SyncOptions) {
	filter := timelineFilter(options.InitialTimelineLimit)
	backoff := time.Second
	since := ""

	c.logger.Info("sync loop started", "timeline_limit", options.InitialTimelineLimit)
	defer c.logger.Info("sync loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		request := messaging.SyncOptions{Since: since, Filter: filter}
		if since != "" {
			request.Timeout = int(options.Timeout / time.Millisecond)
			request.SetTimeout = true
		}

		response, err := c.session.Sync(ctx, request)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(backoff):
			}
			backoff *= 2
			if backoff > options.MaxBackoff {
				backoff = options.MaxBackoff
			}
			continue
		}

		backoff = time.Second
		c.handleSync(ctx, response, since)
		since = response.NextBatch
		c.markPrepared()
	}
}

// handleSync applies one sync response: engine first (so room keys in
// to-device messages are available), then room state and timelines,
// then retries of events whose session just arrived, then listener
// notifications.
func (c *Client) handleSync(ctx context.Context, response *messaging.SyncResponse, since string) {
	if engine := c.Crypto(); engine != nil && len(response.Raw) > 0 {
		if err := engine.ProcessSync(ctx, response.Raw, since); err != nil {
			c.logger.Warn("crypto engine could not process sync", "error", err)
		}
	}

	var newRooms []RoomSummary
	var notifications []TimelineNotification

	for roomID, joined := range response.Rooms.Join {
		entries := make([]Entry, 0, len(joined.Timeline.Events))

		// State first so encryption is known before decrypting.
		c.mu.Lock()
		r, isNew := c.addRoomLocked(roomID)
		for _, evt := range joined.State.Events {
			r.applyState(evt)
		}
		for _, evt := range joined.Timeline.Events {
			r.applyState(evt)
		}
		if isNew || r.prevBatch == "" {
			r.prevBatch = joined.Timeline.PrevBatch
		}
		c.mu.Unlock()

		for _, evt := range joined.Timeline.Events {
			entries = append(entries, c.makeEntry(ctx, roomID, evt))
		}

		c.mu.Lock()
		for _, entry := range entries {
			if !entry.EventID.IsZero() && r.seen[entry.EventID] {
				continue
			}
			r.seen[entry.EventID] = true
			r.timeline = append(r.timeline, entry)
			notifications = append(notifications, TimelineNotification{RoomID: roomID, Entry: entry})
		}
		if isNew {
			newRooms = append(newRooms, r.summary())
		}
		c.mu.Unlock()
	}

	if len(response.Rooms.Leave) > 0 {
		c.mu.Lock()
		for roomID := range response.Rooms.Leave {
			c.removeRoomLocked(roomID)
		}
		c.mu.Unlock()
	}

	notifications = append(notifications, c.retryReceivedSessions(ctx)...)

	c.notifyRooms(newRooms)
	c.notifyTimeline(notifications)
}
