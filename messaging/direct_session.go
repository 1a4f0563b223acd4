// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/secret"
)

// DirectSession is an authenticated Matrix session bound to one device.
// The access token lives in a secret.Buffer; call Close when the
// session ends.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    ref.DeviceID

	// transactionCounter generates unique transaction IDs for
	// idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified user ID of the session.
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device created at login.
func (s *DirectSession) DeviceID() ref.DeviceID {
	return s.deviceID
}

// AccessToken returns a heap copy of the access token. Use only at
// boundaries that need a string, such as constructing the crypto
// engine's own HTTP client.
func (s *DirectSession) AccessToken() string {
	return s.accessToken.String()
}

// HomeserverURL returns the base URL of the session's homeserver.
func (s *DirectSession) HomeserverURL() string {
	return s.client.HomeserverURL()
}

// Client returns the unauthenticated client this session was created
// from.
func (s *DirectSession) Client() *Client {
	return s.client
}

// Close releases the access token memory. Idempotent.
func (s *DirectSession) Close() error {
	return s.accessToken.Close()
}

// WhoAmI validates the access token and returns the user ID.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	var response WhoAmIResponse
	if err := s.client.doJSON(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}
	return response.UserID, nil
}

// CreateRoom creates a new room.
func (s *DirectSession) CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error) {
	var response CreateRoomResponse
	if err := s.client.doJSON(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request, &response); err != nil {
		return nil, fmt.Errorf("messaging: create room failed: %w", err)
	}

	s.client.logger.Info("created matrix room",
		"room_id", response.RoomID,
		"name", request.Name,
		"encrypted", len(request.InitialState) > 0,
	)
	return &response, nil
}

// SendMessage sends an m.room.message event in the clear. Returns the
// event ID.
func (s *DirectSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, "m.room.message", content)
}

// SendEvent sends a timeline event of any type using Matrix's
// idempotent PUT with a transaction ID. Returns the event ID.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(s.nextTransactionID()),
	)
	var response SendEventResponse
	if err := s.client.doJSON(ctx, http.MethodPut, path, s.accessToken, content, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send %s to %s failed: %w", eventType, roomID, err)
	}
	return response.EventID, nil
}

// GetRoomState fetches every current state event of a room.
func (s *DirectSession) GetRoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", url.PathEscape(roomID.String()))
	var events []Event
	if err := s.client.doJSON(ctx, http.MethodGet, path, s.accessToken, nil, &events); err != nil {
		return nil, fmt.Errorf("messaging: get room state for %s failed: %w", roomID, err)
	}
	return events, nil
}

// RoomMessages pages through a room's timeline. Direction defaults to
// backward ("b"), which returns older events newest first.
func (s *DirectSession) RoomMessages(ctx context.Context, roomID ref.RoomID, options RoomMessagesOptions) (*RoomMessagesResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/messages", url.PathEscape(roomID.String()))

	query := url.Values{}
	if options.From != "" {
		query.Set("from", options.From)
	}
	direction := options.Direction
	if direction == "" {
		direction = "b"
	}
	query.Set("dir", direction)
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	var response RoomMessagesResponse
	if err := s.client.doJSON(ctx, http.MethodGet, path, s.accessToken, nil, &response, query); err != nil {
		return nil, fmt.Errorf("messaging: room messages for %s failed: %w", roomID, err)
	}
	return &response, nil
}

// Sync calls /sync. Leave options.Since empty for the initial sync.
// The undecoded body is kept in SyncResponse.Raw.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	response.Raw = body
	return &response, nil
}

// JoinedRooms returns the IDs of every room the user has joined.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	var response JoinedRoomsResponse
	if err := s.client.doJSON(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}
	return response.JoinedRooms, nil
}

// nextTransactionID returns "hyphae-<unix ms>-<counter>", unique across
// restarts of the same device.
func (s *DirectSession) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("hyphae-%d-%d", time.Now().UnixMilli(), counter)
}
