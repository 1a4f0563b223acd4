// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// mockMatrixState is a scripted homeserver. Tests queue timeline
// events and to-device messages; the next /sync returns them. /sync
// long-polls until something is queued, the request's timeout
// elapses, or the client disconnects.
type mockMatrixState struct {
	mu sync.Mutex

	// syncBatch generates next_batch tokens.
	syncBatch int

	// initialRooms is returned by the first (since-less) sync.
	initialRooms map[string]*mockJoinedRoom

	// pendingRooms and pendingToDevice are returned by the next
	// incremental sync and then cleared.
	pendingRooms    map[string]*mockJoinedRoom
	pendingToDevice []map[string]any

	// wake is closed (and replaced) whenever something is queued.
	wake chan struct{}

	// syncFailures makes the next N /sync requests fail with 502.
	syncFailures int

	// syncQueries records the query of every /sync request.
	syncQueries []url.Values

	// sent records PUT /send requests.
	sent []mockSentEvent

	// createRequests records POST /createRoom bodies.
	createRequests []map[string]any
	nextRoom       int

	// history holds /messages chunks per room, newest first. Each
	// request returns up to limit events and advances.
	history map[string][]map[string]any

	// messageQueries records the query of every /messages request.
	messageQueries []url.Values
}

type mockJoinedRoom struct {
	State     []map[string]any
	Timeline  []map[string]any
	PrevBatch string
}

type mockSentEvent struct {
	RoomID    string
	EventType string
	TxnID     string
	Content   map[string]any
}

func newMockMatrixState() *mockMatrixState {
	return &mockMatrixState{
		initialRooms: make(map[string]*mockJoinedRoom),
		pendingRooms: make(map[string]*mockJoinedRoom),
		wake:         make(chan struct{}),
		history:      make(map[string][]map[string]any),
	}
}

func stateEvent(eventType, stateKey string, content map[string]any) map[string]any {
	return map[string]any{
		"type":             eventType,
		"state_key":        stateKey,
		"sender":           "@alice:hyphae.social",
		"event_id":         "$state_" + eventType + "_" + stateKey,
		"origin_server_ts": 1700000000000,
		"content":          content,
	}
}

func timelineEvent(eventID, eventType, sender string, ts int64, content map[string]any) map[string]any {
	return map[string]any{
		"type":             eventType,
		"sender":           sender,
		"event_id":         eventID,
		"origin_server_ts": ts,
		"content":          content,
	}
}

// addInitialRoom configures a room for the first sync.
func (m *mockMatrixState) addInitialRoom(roomID string, room *mockJoinedRoom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialRooms[roomID] = room
}

// enqueueTimeline queues timeline events for roomID.
func (m *mockMatrixState) enqueueTimeline(roomID string, events ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.pendingRooms[roomID]
	if room == nil {
		room = &mockJoinedRoom{}
		m.pendingRooms[roomID] = room
	}
	room.Timeline = append(room.Timeline, events...)
	m.wakeLocked()
}

// enqueueRoom queues a whole room (state and timeline), as when the
// user joins or creates one.
func (m *mockMatrixState) enqueueRoom(roomID string, room *mockJoinedRoom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRooms[roomID] = room
	m.wakeLocked()
}

// enqueueToDevice queues a to-device message.
func (m *mockMatrixState) enqueueToDevice(eventType string, content map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingToDevice = append(m.pendingToDevice, map[string]any{
		"type":    eventType,
		"sender":  "@bob:hyphae.social",
		"content": content,
	})
	m.wakeLocked()
}

func (m *mockMatrixState) wakeLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *mockMatrixState) sentEvents() []mockSentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSentEvent(nil), m.sent...)
}

func (m *mockMatrixState) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawPath := r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")

		if rawPath == "/_matrix/client/v3/login" && r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{
				"user_id":      "@alice:hyphae.social",
				"access_token": "syt_mock_token",
				"device_id":    "MOCKDEVICE1",
			})
			return
		}

		if rawPath == "/_matrix/client/v3/sync" && r.Method == http.MethodGet {
			m.handleSync(w, r)
			return
		}

		if rawPath == "/_matrix/client/v3/createRoom" && r.Method == http.MethodPost {
			m.handleCreateRoom(w, r)
			return
		}

		const roomsPrefix = "/_matrix/client/v3/rooms/"
		if strings.HasPrefix(rawPath, roomsPrefix) {
			segments := strings.Split(strings.TrimPrefix(rawPath, roomsPrefix), "/")
			for index, segment := range segments {
				if decoded, err := url.PathUnescape(segment); err == nil {
					segments[index] = decoded
				}
			}
			switch {
			case len(segments) == 4 && segments[1] == "send" && r.Method == http.MethodPut:
				m.handleSend(w, r, segments[0], segments[2], segments[3])
				return
			case len(segments) == 2 && segments[1] == "messages" && r.Method == http.MethodGet:
				m.handleMessages(w, r, segments[0])
				return
			}
		}

		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"errcode": "M_UNRECOGNIZED",
			"error":   "unknown endpoint " + r.Method + " " + rawPath,
		})
	})
}

func (m *mockMatrixState) handleSync(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since := query.Get("since")

	m.mu.Lock()
	m.syncQueries = append(m.syncQueries, query)
	if m.syncFailures > 0 {
		m.syncFailures--
		m.mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
		return
	}

	if since != "" && len(m.pendingRooms) == 0 && len(m.pendingToDevice) == 0 {
		wake := m.wake
		m.mu.Unlock()
		timeout := time.Second
		if millis, err := strconv.Atoi(query.Get("timeout")); err == nil && millis < 1000 {
			timeout = time.Duration(millis) * time.Millisecond
		}
		select {
		case <-wake:
		case <-r.Context().Done():
			return
		case <-time.After(timeout):
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	m.syncBatch++
	join := make(map[string]any)
	var rooms map[string]*mockJoinedRoom
	if since == "" {
		rooms = m.initialRooms
	} else {
		rooms = m.pendingRooms
		m.pendingRooms = make(map[string]*mockJoinedRoom)
	}
	for roomID, room := range rooms {
		join[roomID] = map[string]any{
			"state":    map[string]any{"events": nonNil(room.State)},
			"timeline": map[string]any{"events": nonNil(room.Timeline), "prev_batch": room.PrevBatch},
		}
	}
	toDevice := m.pendingToDevice
	m.pendingToDevice = nil

	json.NewEncoder(w).Encode(map[string]any{
		"next_batch": fmt.Sprintf("batch_%d", m.syncBatch),
		"rooms":      map[string]any{"join": join},
		"to_device":  map[string]any{"events": nonNil(toDevice)},
	})
}

func nonNil(events []map[string]any) []map[string]any {
	if events == nil {
		return []map[string]any{}
	}
	return events
}

// handleSend records the event and echoes it into the next sync, as a
// real homeserver would.
func (m *mockMatrixState) handleSend(w http.ResponseWriter, r *http.Request, roomID, eventType, txnID string) {
	body, _ := io.ReadAll(r.Body)
	var content map[string]any
	json.Unmarshal(body, &content)

	m.mu.Lock()
	eventID := fmt.Sprintf("$sent_%d", len(m.sent)+1)
	m.sent = append(m.sent, mockSentEvent{RoomID: roomID, EventType: eventType, TxnID: txnID, Content: content})
	m.mu.Unlock()

	m.enqueueTimeline(roomID, timelineEvent(eventID, eventType, "@alice:hyphae.social", time.Now().UnixMilli(), content))
	json.NewEncoder(w).Encode(map[string]string{"event_id": eventID})
}

// handleCreateRoom records the request and makes the new room appear
// in the next sync with its initial state.
func (m *mockMatrixState) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var request map[string]any
	json.Unmarshal(body, &request)

	m.mu.Lock()
	m.createRequests = append(m.createRequests, request)
	m.nextRoom++
	roomID := fmt.Sprintf("!created%d:hyphae.social", m.nextRoom)
	m.mu.Unlock()

	state := []map[string]any{
		stateEvent("m.room.create", "", map[string]any{"creator": "@alice:hyphae.social"}),
		stateEvent("m.room.member", "@alice:hyphae.social", map[string]any{"membership": "join"}),
	}
	if name, ok := request["name"].(string); ok && name != "" {
		state = append(state, stateEvent("m.room.name", "", map[string]any{"name": name}))
	}
	if initial, ok := request["initial_state"].([]any); ok {
		for _, raw := range initial {
			entry, _ := raw.(map[string]any)
			eventType, _ := entry["type"].(string)
			stateKey, _ := entry["state_key"].(string)
			content, _ := entry["content"].(map[string]any)
			state = append(state, stateEvent(eventType, stateKey, content))
		}
	}
	m.enqueueRoom(roomID, &mockJoinedRoom{State: state})

	json.NewEncoder(w).Encode(map[string]string{"room_id": roomID})
}

func (m *mockMatrixState) handleMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 10
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageQueries = append(m.messageQueries, query)

	remaining := m.history[roomID]
	if limit > len(remaining) {
		limit = len(remaining)
	}
	chunk := remaining[:limit]
	m.history[roomID] = remaining[limit:]

	response := map[string]any{
		"start": query.Get("from"),
		"chunk": nonNil(chunk),
	}
	if len(m.history[roomID]) > 0 {
		response["end"] = fmt.Sprintf("older_%d", len(m.history[roomID]))
	}
	json.NewEncoder(w).Encode(response)
}
