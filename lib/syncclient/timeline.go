// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/hyphae/lib/e2ee"
	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/schema"
	"github.com/bureau-foundation/hyphae/messaging"
)

// Entry is one timeline event as the UI sees it. Type and Content are
// the effective values: the plaintext inner event for a decrypted
// m.room.encrypted event, the wire values otherwise (including an
// encrypted event that could not be decrypted).
type Entry struct {
	EventID        ref.EventID
	Type           ref.EventType
	Sender         ref.UserID
	OriginServerTS int64
	Content        map[string]any
	StateKey       *string

	// Encrypted is true when the event arrived as m.room.encrypted.
	Encrypted bool

	// DecryptionError is set when an encrypted event could not be
	// decrypted. RetryDecryption clears it on success.
	DecryptionError error

	// wire is the event as received, kept for decryption retries.
	wire messaging.Event
}

// Undecryptable reports whether this is an encrypted event still
// waiting for its key.
func (e Entry) Undecryptable() bool {
	return e.Encrypted && e.DecryptionError != nil
}

// TimelineNotification is delivered to OnTimeline listeners.
type TimelineNotification struct {
	RoomID ref.RoomID
	Entry  Entry

	// ToStartOfTimeline is true for events fetched by Paginate, which
	// are older than everything already in the timeline.
	ToStartOfTimeline bool

	// Redecrypted is true when Entry replaces an undecryptable event
	// already in the timeline because its session key arrived.
	Redecrypted bool
}

// Timeline returns a copy of a room's stored timeline, oldest first.
func (c *Client) Timeline(roomID ref.RoomID) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]Entry(nil), r.timeline...)
}

// makeEntry converts a wire event, decrypting it when needed. Called
// without c.mu held because decryption goes through the engine.
func (c *Client) makeEntry(ctx context.Context, roomID ref.RoomID, evt messaging.Event) Entry {
	entry := Entry{
		EventID:        evt.EventID,
		Type:           evt.Type,
		Sender:         evt.Sender,
		OriginServerTS: evt.OriginServerTS,
		Content:        evt.Content,
		StateKey:       evt.StateKey,
		wire:           evt,
	}
	if evt.Type == schema.EventTypeEncrypted {
		entry.Encrypted = true
		c.decrypt(ctx, roomID, &entry)
	}
	return entry
}

// decrypt fills entry's effective type and content from the engine,
// or records why it could not.
func (c *Client) decrypt(ctx context.Context, roomID ref.RoomID, entry *Entry) {
	engine := c.Crypto()
	if engine == nil {
		entry.DecryptionError = ErrCryptoNotInitialized
		return
	}
	decrypted, err := engine.Decrypt(ctx, e2ee.EncryptedEvent{
		RoomID:         roomID,
		EventID:        entry.wire.EventID,
		Sender:         entry.wire.Sender,
		OriginServerTS: entry.wire.OriginServerTS,
		Content:        entry.wire.Content,
	})
	if err != nil {
		entry.DecryptionError = err
		c.logger.Debug("event not decrypted",
			"room_id", roomID,
			"event_id", entry.EventID,
			"error", err,
		)
		return
	}
	entry.Type = decrypted.Type
	entry.Content = decrypted.Content
	entry.DecryptionError = nil
}

// Paginate fetches up to limit events older than the stored timeline,
// prepends them, and notifies listeners with ToStartOfTimeline set.
// Returns the number of events added; zero with a nil error means the
// start of the room was already reached.
func (c *Client) Paginate(ctx context.Context, roomID ref.RoomID, limit int) (int, error) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	from := r.prevBatch
	c.mu.Unlock()

	if from == "" {
		return 0, nil
	}

	response, err := c.session.RoomMessages(ctx, roomID, messaging.RoomMessagesOptions{
		From:      from,
		Direction: "b",
		Limit:     limit,
	})
	if err != nil {
		return 0, fmt.Errorf("syncclient: paginating %s: %w", roomID, err)
	}

	// The chunk is newest first.
	older := make([]Entry, 0, len(response.Chunk))
	for index := len(response.Chunk) - 1; index >= 0; index-- {
		older = append(older, c.makeEntry(ctx, roomID, response.Chunk[index]))
	}

	c.mu.Lock()
	r, ok = c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return 0, nil
	}
	var added []Entry
	for _, entry := range older {
		if r.seen[entry.EventID] {
			continue
		}
		r.seen[entry.EventID] = true
		added = append(added, entry)
	}
	r.timeline = append(added, r.timeline...)
	// A missing end token means there is nothing older.
	r.prevBatch = response.End
	if len(response.Chunk) == 0 {
		r.prevBatch = ""
	}
	c.mu.Unlock()

	notifications := make([]TimelineNotification, 0, len(added))
	for index := len(added) - 1; index >= 0; index-- {
		notifications = append(notifications, TimelineNotification{
			RoomID:            roomID,
			Entry:             added[index],
			ToStartOfTimeline: true,
		})
	}
	c.notifyTimeline(notifications)

	c.logger.Debug("paginated room history",
		"room_id", roomID,
		"added", len(added),
		"more", response.End != "" && len(response.Chunk) > 0,
	)
	return len(added), nil
}

// RetryDecryption re-attempts every undecryptable event in a room,
// typically after keys were restored. Returns how many now decrypt.
// Listeners are not notified; callers re-read the timeline.
func (c *Client) RetryDecryption(ctx context.Context, roomID ref.RoomID) int {
	return len(c.redecrypt(ctx, roomID, nil))
}

// sessionID is the Megolm session an encrypted entry needs.
func (e Entry) sessionID() string {
	sessionID, _ := e.wire.Content["session_id"].(string)
	return sessionID
}

// sessionReceived records a session the engine just stored. The sync
// loop retries the matching entries once it has merged the response.
func (c *Client) sessionReceived(roomID ref.RoomID, sessionID string) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	if c.receivedSessions == nil {
		c.receivedSessions = make(map[ref.RoomID]map[string]bool)
	}
	if c.receivedSessions[roomID] == nil {
		c.receivedSessions[roomID] = make(map[string]bool)
	}
	c.receivedSessions[roomID][sessionID] = true
}

// retryReceivedSessions re-decrypts the entries waiting for sessions
// that arrived since the last call and returns a Redecrypted
// notification for each one that now decrypts.
func (c *Client) retryReceivedSessions(ctx context.Context) []TimelineNotification {
	c.keysMu.Lock()
	sessions := c.receivedSessions
	c.receivedSessions = nil
	c.keysMu.Unlock()

	var notifications []TimelineNotification
	for roomID, sessionIDs := range sessions {
		fixed := c.redecrypt(ctx, roomID, func(entry Entry) bool {
			return sessionIDs[entry.sessionID()]
		})
		for _, entry := range fixed {
			notifications = append(notifications, TimelineNotification{
				RoomID:      roomID,
				Entry:       entry,
				Redecrypted: true,
			})
		}
	}
	return notifications
}

// redecrypt retries the room's undecryptable entries that match (all
// of them when match is nil), stores the ones that now decrypt, and
// returns those in timeline order.
func (c *Client) redecrypt(ctx context.Context, roomID ref.RoomID, match func(Entry) bool) []Entry {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	var pending []Entry
	for _, entry := range r.timeline {
		if entry.Undecryptable() && (match == nil || match(entry)) {
			pending = append(pending, entry)
		}
	}
	c.mu.Unlock()

	fixed := make(map[ref.EventID]Entry)
	for _, entry := range pending {
		c.decrypt(ctx, roomID, &entry)
		if entry.DecryptionError == nil {
			fixed[entry.EventID] = entry
		}
	}
	if len(fixed) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok = c.rooms[roomID]
	if !ok {
		return nil
	}
	replaced := make([]Entry, 0, len(fixed))
	for index, entry := range r.timeline {
		if replacement, ok := fixed[entry.EventID]; ok && entry.Undecryptable() {
			r.timeline[index] = replacement
			replaced = append(replaced, replacement)
		}
	}
	c.logger.Info("retried decryption", "room_id", roomID, "decrypted", len(replaced), "attempted", len(pending))
	return replaced
}
