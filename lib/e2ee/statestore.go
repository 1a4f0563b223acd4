// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"

	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/hyphae/lib/ref"
)

// stateStore answers OlmMachine's room questions from the client
// handle's synced state.
type stateStore struct {
	rooms RoomState
}

var _ crypto.StateStore = (*stateStore)(nil)

func (s *stateStore) IsEncrypted(_ context.Context, roomID id.RoomID) (bool, error) {
	parsed, err := ref.ParseRoomID(string(roomID))
	if err != nil {
		return false, nil
	}
	return s.rooms.EncryptionAlgorithm(parsed) != "", nil
}

func (s *stateStore) GetEncryptionEvent(_ context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error) {
	parsed, err := ref.ParseRoomID(string(roomID))
	if err != nil {
		return nil, nil
	}
	algorithm := s.rooms.EncryptionAlgorithm(parsed)
	if algorithm == "" {
		return nil, nil
	}
	return &event.EncryptionEventContent{Algorithm: id.Algorithm(algorithm)}, nil
}

func (s *stateStore) FindSharedRooms(_ context.Context, userID id.UserID) ([]id.RoomID, error) {
	parsed, err := ref.ParseUserID(string(userID))
	if err != nil {
		return nil, nil
	}
	shared := s.rooms.SharedRooms(parsed)
	rooms := make([]id.RoomID, len(shared))
	for index, roomID := range shared {
		rooms[index] = id.RoomID(roomID.String())
	}
	return rooms, nil
}
