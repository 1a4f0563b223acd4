// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/schema"
	"github.com/bureau-foundation/hyphae/messaging"
)

// SendEvent sends a timeline event to a joined room. In an encrypted
// room the content is encrypted by the engine and sent as
// m.room.encrypted; the room's joined members receive the session key.
func (c *Client) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ref.EventID{}, ErrStopped
	}
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return ref.EventID{}, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	algorithm := r.encryption
	members := r.joinedMembers()
	engine := c.engine
	c.mu.Unlock()

	if algorithm == "" {
		eventID, err := c.session.SendEvent(ctx, roomID, eventType, content)
		if err != nil {
			return ref.EventID{}, fmt.Errorf("syncclient: sending %s to %s: %w", eventType, roomID, err)
		}
		return eventID, nil
	}

	if engine == nil {
		return ref.EventID{}, ErrCryptoNotInitialized
	}
	encrypted, err := engine.Encrypt(ctx, roomID, eventType, content, members)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("syncclient: encrypting %s for %s: %w", eventType, roomID, err)
	}
	eventID, err := c.session.SendEvent(ctx, roomID, schema.EventTypeEncrypted, encrypted)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("syncclient: sending encrypted %s to %s: %w", eventType, roomID, err)
	}
	return eventID, nil
}

// SendMessage sends an m.room.message.
func (c *Client) SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error) {
	return c.SendEvent(ctx, roomID, schema.EventTypeMessage, content)
}

// CreateRoom creates a room and returns its ID. The room becomes
// visible in Rooms once it arrives through sync; see WaitForRoom.
func (c *Client) CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (ref.RoomID, error) {
	response, err := c.session.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("syncclient: creating room: %w", err)
	}
	return response.RoomID, nil
}
