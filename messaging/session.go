// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"

	"github.com/bureau-foundation/hyphae/lib/ref"
)

// Session is the set of authenticated operations the sync handle
// performs. *DirectSession is the only production implementation;
// the interface exists so the handle can be exercised against a
// scripted session.
type Session interface {
	// UserID returns the fully-qualified user ID.
	UserID() ref.UserID

	// DeviceID returns the device the session is bound to.
	DeviceID() ref.DeviceID

	// Close releases resources held by the session. Idempotent.
	Close() error

	// Sync performs one /sync request.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// SendEvent sends a timeline event and returns its event ID.
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error)

	// CreateRoom creates a room.
	CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error)

	// RoomMessages pages through a room's timeline.
	RoomMessages(ctx context.Context, roomID ref.RoomID, options RoomMessagesOptions) (*RoomMessagesResponse, error)

	// GetRoomState fetches a room's full current state.
	GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error)
}

var _ Session = (*DirectSession)(nil)
