// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/hyphae/lib/ref"
)

// keyServer is the slice of a homeserver the engine talks to on its
// own: key upload, to-device sends, and secret storage account data.
type keyServer struct {
	mu          sync.Mutex
	uploads     int
	toDevice    int
	accountData map[string]func(http.ResponseWriter)
}

func newKeyServer() *keyServer {
	return &keyServer{accountData: make(map[string]func(http.ResponseWriter))}
}

func (s *keyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/keys/upload"):
		s.uploads++
		io.WriteString(w, `{"one_time_key_counts":{"signed_curve25519":0}}`)
	case r.Method == http.MethodPut && strings.Contains(path, "/sendToDevice/"):
		s.toDevice++
		io.WriteString(w, `{}`)
	case r.Method == http.MethodGet && strings.Contains(path, "/account_data/"):
		eventType := path[strings.LastIndex(path, "/")+1:]
		if respond, ok := s.accountData[eventType]; ok {
			respond(w)
			return
		}
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "Account data not found")
	default:
		writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "Unrecognized request")
	}
}

func (s *keyServer) setAccountData(eventType string, respond func(http.ResponseWriter)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountData[eventType] = respond
}

func writeMatrixError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"errcode": code, "error": message})
}

func openTestEngine(t *testing.T, server *keyServer, rooms RoomState) *OlmEngine {
	t.Helper()
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	deviceID, err := ref.ParseDeviceID("DEVICE1234")
	if err != nil {
		t.Fatalf("ParseDeviceID failed: %v", err)
	}
	engine, err := Open(context.Background(), Config{
		HomeserverURL: httpServer.URL,
		UserID:        ref.MustParseUserID("@alice:hyphae.social"),
		DeviceID:      deviceID,
		AccessToken:   "syt_token",
		DatabasePath:  filepath.Join(t.TempDir(), "crypto.db"),
		Namespace:     "matrix-crypto-_alice_hyphae_social-DEVICE1234",
		PickleKey:     []byte("0123456789abcdef0123456789abcdef"),
		Rooms:         rooms,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestOlmEngineRoundTrip(t *testing.T) {
	server := newKeyServer()
	roomID := ref.MustParseRoomID("!secret:hyphae.social")
	engine := openTestEngine(t, server, &fakeRooms{
		algorithms: map[ref.RoomID]string{roomID: "m.megolm.v1.aes-sha2"},
	})

	server.mu.Lock()
	uploads := server.uploads
	server.mu.Unlock()
	if uploads != 2 {
		t.Errorf("key uploads during Open = %d, want count check plus device keys", uploads)
	}

	type received struct {
		roomID    ref.RoomID
		sessionID string
	}
	var sessions []received
	engine.OnSessionReceived(func(roomID ref.RoomID, sessionID string) {
		sessions = append(sessions, received{roomID, sessionID})
	})

	ctx := context.Background()
	record := map[string]any{"key": "greeting", "value": "hello", "timestamp": 1700000000000}
	wire, err := engine.Encrypt(ctx, roomID, "com.hyphae.data.record", record, nil)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	var content map[string]any
	if err := json.Unmarshal(wire, &content); err != nil {
		t.Fatalf("decoding encrypted content failed: %v", err)
	}
	if content["algorithm"] != "m.megolm.v1.aes-sha2" {
		t.Errorf("algorithm = %v", content["algorithm"])
	}
	if _, leaked := content["value"]; leaked {
		t.Error("plaintext field present in encrypted content")
	}
	sessionID, _ := content["session_id"].(string)

	// The outbound session is stored as an inbound one too, which the
	// listener hears about.
	if len(sessions) != 1 || sessions[0].roomID != roomID || sessions[0].sessionID != sessionID {
		t.Errorf("sessions received = %+v, want %s in %s", sessions, sessionID, roomID)
	}

	decrypted, err := engine.Decrypt(ctx, EncryptedEvent{
		RoomID:         roomID,
		EventID:        ref.MustParseEventID("$record"),
		Sender:         ref.MustParseUserID("@alice:hyphae.social"),
		OriginServerTS: 1700000000000,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if decrypted.Type != "com.hyphae.data.record" {
		t.Errorf("decrypted type = %q", decrypted.Type)
	}
	if decrypted.Content["key"] != "greeting" || decrypted.Content["value"] != "hello" {
		t.Errorf("decrypted content = %v", decrypted.Content)
	}

	content["session_id"] = "unknown-session"
	if _, err := engine.Decrypt(ctx, EncryptedEvent{
		RoomID:         roomID,
		EventID:        ref.MustParseEventID("$missing"),
		Sender:         ref.MustParseUserID("@bob:hyphae.social"),
		OriginServerTS: 1700000001000,
		Content:        content,
	}); err == nil {
		t.Error("Decrypt with an unknown session succeeded")
	}
}

func TestOlmEngineSecretStorageErrors(t *testing.T) {
	const (
		defaultKey = "m.secret_storage.default_key"
		keyData    = "m.secret_storage.key.abcdef"
	)
	respondJSON := func(body string) func(http.ResponseWriter) {
		return func(w http.ResponseWriter) { io.WriteString(w, body) }
	}
	respondError := func(status int, code string) func(http.ResponseWriter) {
		return func(w http.ResponseWriter) { writeMatrixError(w, status, code, "refused") }
	}

	tests := []struct {
		name        string
		accountData map[string]func(http.ResponseWriter)
		missing     bool
	}{
		{
			name:    "no default key",
			missing: true,
		},
		{
			name:        "default key without key id",
			accountData: map[string]func(http.ResponseWriter){defaultKey: respondJSON(`{}`)},
			missing:     true,
		},
		{
			name:        "default key points at missing key",
			accountData: map[string]func(http.ResponseWriter){defaultKey: respondJSON(`{"key":"abcdef"}`)},
			missing:     true,
		},
		{
			name:        "server refuses account data",
			accountData: map[string]func(http.ResponseWriter){defaultKey: respondError(http.StatusForbidden, "M_FORBIDDEN")},
			missing:     false,
		},
		{
			name: "server refuses key data",
			accountData: map[string]func(http.ResponseWriter){
				defaultKey: respondJSON(`{"key":"abcdef"}`),
				keyData:    respondError(http.StatusForbidden, "M_FORBIDDEN"),
			},
			missing: false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := newKeyServer()
			for eventType, respond := range test.accountData {
				server.setAccountData(eventType, respond)
			}
			engine := openTestEngine(t, server, &fakeRooms{})

			err := engine.BootstrapSecretStorage(context.Background(), SecretStorageOptions{
				KeySupplier: func(context.Context) (string, error) { return "EsTc 1234", nil },
			})
			if err == nil {
				t.Fatal("BootstrapSecretStorage succeeded without usable secret storage")
			}
			if got := errors.Is(err, ErrSecretStorageNotSetUp); got != test.missing {
				t.Errorf("errors.Is(%v, ErrSecretStorageNotSetUp) = %v, want %v", err, got, test.missing)
			}
			if got := IsSecretStorageMissing(err); got != test.missing {
				t.Errorf("IsSecretStorageMissing(%v) = %v, want %v", err, got, test.missing)
			}
		})
	}
}

func TestOlmEngineRejectsNewSecretStorage(t *testing.T) {
	engine := openTestEngine(t, newKeyServer(), &fakeRooms{})
	err := engine.BootstrapSecretStorage(context.Background(), SecretStorageOptions{SetupNewSecretStorage: true})
	if !errors.Is(err, ErrNewSecretStorageUnsupported) {
		t.Errorf("BootstrapSecretStorage = %v, want ErrNewSecretStorageUnsupported", err)
	}
}
