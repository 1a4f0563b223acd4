// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package app

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

const (
	mockPassword = "correct-horse"
	mockDevice   = "DEVICEABCDEFGH"
)

// mockHomeserver is a scripted Matrix homeserver for controller tests.
// The first /sync returns the configured rooms; later syncs long-poll
// for queued events.
type mockHomeserver struct {
	mu sync.Mutex

	loginUsers []string
	syncBatch  int

	rooms   map[string]*mockRoom
	pending map[string][]map[string]any
	wake    chan struct{}

	sent []mockSent

	// createBodies holds the raw JSON of each createRoom request.
	createBodies []string
	createFail   bool
	created      int

	// sendFail makes PUT /send return 500.
	sendFail bool
}

type mockRoom struct {
	state    []map[string]any
	timeline []map[string]any
}

type mockSent struct {
	RoomID    string
	EventType string
	Content   map[string]any
}

func newMockHomeserver() *mockHomeserver {
	return &mockHomeserver{
		rooms:   make(map[string]*mockRoom),
		pending: make(map[string][]map[string]any),
		wake:    make(chan struct{}),
	}
}

func mockState(eventType, stateKey string, content map[string]any) map[string]any {
	return map[string]any{
		"type":             eventType,
		"state_key":        stateKey,
		"sender":           "@alice:hyphae.social",
		"event_id":         "$state_" + eventType + stateKey,
		"origin_server_ts": 1700000000000,
		"content":          content,
	}
}

func mockEvent(eventID, eventType, sender string, ts int64, content map[string]any) map[string]any {
	return map[string]any{
		"type":             eventType,
		"sender":           sender,
		"event_id":         eventID,
		"origin_server_ts": ts,
		"content":          content,
	}
}

// addRoom makes a joined room part of the initial sync.
func (m *mockHomeserver) addRoom(roomID, name string, encrypted bool, timeline ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := []map[string]any{
		mockState("m.room.member", "@alice:hyphae.social", map[string]any{"membership": "join"}),
	}
	if name != "" {
		state = append(state, mockState("m.room.name", "", map[string]any{"name": name}))
	}
	if encrypted {
		state = append(state, mockState("m.room.encryption", "", map[string]any{"algorithm": "m.megolm.v1.aes-sha2"}))
	}
	m.rooms[roomID] = &mockRoom{state: state, timeline: timeline}
}

// push queues a live timeline event.
func (m *mockHomeserver) push(roomID string, event map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[roomID] = append(m.pending[roomID], event)
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *mockHomeserver) sentEvents() []mockSent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSent(nil), m.sent...)
}

func (m *mockHomeserver) createRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.createBodies...)
}

func writeMatrixError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"errcode": code, "error": message})
}

func (m *mockHomeserver) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case path == "/_matrix/client/v3/login" && r.Method == http.MethodPost:
			m.handleLogin(w, r)
		case path == "/_matrix/client/v3/sync" && r.Method == http.MethodGet:
			m.handleSync(w, r)
		case path == "/_matrix/client/v3/createRoom" && r.Method == http.MethodPost:
			m.handleCreateRoom(w, r)
		case strings.HasPrefix(path, "/_matrix/client/v3/rooms/") && r.Method == http.MethodPut:
			segments := strings.Split(strings.TrimPrefix(path, "/_matrix/client/v3/rooms/"), "/")
			if len(segments) != 4 || segments[1] != "send" {
				writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "bad send path")
				return
			}
			roomID, _ := url.PathUnescape(segments[0])
			eventType, _ := url.PathUnescape(segments[2])
			m.handleSend(w, r, roomID, eventType)
		case strings.HasSuffix(path, "/messages") && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"start": r.URL.Query().Get("from"), "chunk": []any{}})
		default:
			writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint "+path)
		}
	})
}

func (m *mockHomeserver) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
	}
	json.NewDecoder(r.Body).Decode(&request)

	m.mu.Lock()
	m.loginUsers = append(m.loginUsers, request.Identifier.User)
	m.mu.Unlock()

	if request.Password != mockPassword {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid username or password")
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"user_id":      request.Identifier.User,
		"access_token": "syt_app_token",
		"device_id":    mockDevice,
	})
}

func (m *mockHomeserver) handleSync(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since := query.Get("since")

	m.mu.Lock()
	if since != "" && len(m.pending) == 0 {
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
	if since == "" {
		for roomID, room := range m.rooms {
			join[roomID] = map[string]any{
				"state":    map[string]any{"events": nonEmpty(room.state)},
				"timeline": map[string]any{"events": nonEmpty(room.timeline)},
			}
		}
	} else {
		for roomID, events := range m.pending {
			timeline := map[string]any{"events": events}
			entry := map[string]any{"timeline": timeline}
			if room, ok := m.rooms[roomID]; ok && room.timeline == nil && strings.HasPrefix(roomID, "!created") {
				entry["state"] = map[string]any{"events": room.state}
				room.timeline = []map[string]any{}
			}
			join[roomID] = entry
		}
		m.pending = make(map[string][]map[string]any)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"next_batch": fmt.Sprintf("s%d", m.syncBatch),
		"rooms":      map[string]any{"join": join},
	})
}

func nonEmpty(events []map[string]any) []map[string]any {
	if events == nil {
		return []map[string]any{}
	}
	return events
}

func (m *mockHomeserver) handleSend(w http.ResponseWriter, r *http.Request, roomID, eventType string) {
	m.mu.Lock()
	fail := m.sendFail
	m.mu.Unlock()
	if fail {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
		return
	}

	var content map[string]any
	json.NewDecoder(r.Body).Decode(&content)

	m.mu.Lock()
	eventID := fmt.Sprintf("$sent%d", len(m.sent)+1)
	m.sent = append(m.sent, mockSent{RoomID: roomID, EventType: eventType, Content: content})
	m.mu.Unlock()

	m.push(roomID, mockEvent(eventID, eventType, "@alice:hyphae.social", 1700000100000, content))
	json.NewEncoder(w).Encode(map[string]string{"event_id": eventID})
}

// handleCreateRoom records the body and makes the room appear in the
// next sync, with its name and initial state.
func (m *mockHomeserver) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.createBodies = append(m.createBodies, string(body))
	if m.createFail {
		m.mu.Unlock()
		writeMatrixError(w, http.StatusBadRequest, "M_INVALID_PARAM", "Room alias already taken")
		return
	}
	m.created++
	roomID := fmt.Sprintf("!created%d:hyphae.social", m.created)
	m.mu.Unlock()

	var request struct {
		Name         string `json:"name"`
		InitialState []struct {
			Type     string         `json:"type"`
			StateKey string         `json:"state_key"`
			Content  map[string]any `json:"content"`
		} `json:"initial_state"`
	}
	json.Unmarshal(body, &request)

	m.addRoom(roomID, request.Name, false)
	m.mu.Lock()
	room := m.rooms[roomID]
	room.timeline = nil
	for _, state := range request.InitialState {
		room.state = append(room.state, mockState(state.Type, state.StateKey, state.Content))
	}
	m.mu.Unlock()

	m.push(roomID, mockEvent("$create"+roomID, "m.room.create", "@alice:hyphae.social", 1700000000000, map[string]any{}))
	json.NewEncoder(w).Encode(map[string]string{"room_id": roomID})
}
