// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/hyphae/lib/clock"
	"github.com/bureau-foundation/hyphae/lib/e2ee"
	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/schema"
	"github.com/bureau-foundation/hyphae/lib/secret"
	"github.com/bureau-foundation/hyphae/lib/testutil"
	"github.com/bureau-foundation/hyphae/messaging"
)

const (
	plainRoom     = "!plain:hyphae.social"
	encryptedRoom = "!secret:hyphae.social"
)

// fakeEngine decrypts events whose content carries a session_id it has
// received through a to-device "m.room_key" message, and announces each
// such session to its listener. The plaintext is carried in the
// content's "fake_type" and "fake_plaintext" fields.
type fakeEngine struct {
	mu        sync.Mutex
	keys      map[string]bool
	processed int
	encrypted []fakeEncryptCall
	closed    bool
	rooms     e2ee.RoomState
	listener  e2ee.SessionListener
}

type fakeEncryptCall struct {
	RoomID    ref.RoomID
	EventType ref.EventType
	Members   []ref.UserID
}

func newFakeEngine(keys ...string) *fakeEngine {
	engine := &fakeEngine{keys: make(map[string]bool)}
	for _, key := range keys {
		engine.keys[key] = true
	}
	return engine
}

func (f *fakeEngine) ProcessSync(_ context.Context, raw json.RawMessage, _ string) error {
	var body struct {
		ToDevice struct {
			Events []struct {
				Type    string         `json:"type"`
				Content map[string]any `json:"content"`
			} `json:"events"`
		} `json:"to_device"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	type received struct {
		roomID    ref.RoomID
		sessionID string
	}
	var sessions []received
	f.mu.Lock()
	f.processed++
	for _, evt := range body.ToDevice.Events {
		if evt.Type == "m.room_key" {
			sessionID, _ := evt.Content["session_id"].(string)
			f.keys[sessionID] = true
			rawRoomID, _ := evt.Content["room_id"].(string)
			if roomID, err := ref.ParseRoomID(rawRoomID); err == nil {
				sessions = append(sessions, received{roomID: roomID, sessionID: sessionID})
			}
		}
	}
	listener := f.listener
	f.mu.Unlock()

	if listener != nil {
		for _, session := range sessions {
			listener(session.roomID, session.sessionID)
		}
	}
	return nil
}

func (f *fakeEngine) OnSessionReceived(listener e2ee.SessionListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = listener
}

func (f *fakeEngine) Decrypt(_ context.Context, evt e2ee.EncryptedEvent) (*e2ee.DecryptedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessionID, _ := evt.Content["session_id"].(string)
	if !f.keys[sessionID] {
		return nil, errors.New("unknown inbound session " + sessionID)
	}
	eventType, _ := evt.Content["fake_type"].(string)
	plaintext, _ := evt.Content["fake_plaintext"].(map[string]any)
	return &e2ee.DecryptedEvent{Type: ref.EventType(eventType), Content: plaintext}, nil
}

func (f *fakeEngine) Encrypt(_ context.Context, roomID ref.RoomID, eventType ref.EventType, content any, members []ref.UserID) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encrypted = append(f.encrypted, fakeEncryptCall{RoomID: roomID, EventType: eventType, Members: members})
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"algorithm":      schema.AlgorithmMegolm,
		"session_id":     "outbound",
		"fake_type":      eventType,
		"fake_plaintext": json.RawMessage(plaintext),
	})
}

func (f *fakeEngine) BootstrapCrossSigning(context.Context, e2ee.AuthCallback) error { return nil }

func (f *fakeEngine) BootstrapSecretStorage(context.Context, e2ee.SecretStorageOptions) error {
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) addKey(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[sessionID] = true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// encryptedPayload is what a peer's encrypted message looks like to
// the fake engine.
func encryptedPayload(sessionID, eventType string, plaintext map[string]any) map[string]any {
	return map[string]any{
		"algorithm":      schema.AlgorithmMegolm,
		"ciphertext":     "opaque",
		"session_id":     sessionID,
		"fake_type":      eventType,
		"fake_plaintext": plaintext,
	}
}

// standardRooms configures one plain and one encrypted room, each
// with alice and bob joined.
func standardRooms(mock *mockMatrixState) {
	members := func() []map[string]any {
		return []map[string]any{
			stateEvent("m.room.member", "@alice:hyphae.social", map[string]any{"membership": "join"}),
			stateEvent("m.room.member", "@bob:hyphae.social", map[string]any{"membership": "join"}),
		}
	}
	mock.addInitialRoom(plainRoom, &mockJoinedRoom{
		State: append(members(), stateEvent("m.room.name", "", map[string]any{"name": "Plain"})),
		Timeline: []map[string]any{
			timelineEvent("$p1", "m.room.message", "@bob:hyphae.social", 1700000001000,
				map[string]any{"msgtype": "m.text", "body": "hello"}),
		},
		PrevBatch: "plain_prev",
	})
	mock.addInitialRoom(encryptedRoom, &mockJoinedRoom{
		State: append(members(),
			stateEvent("m.room.name", "", map[string]any{"name": "Secret"}),
			stateEvent("m.room.encryption", "", map[string]any{"algorithm": schema.AlgorithmMegolm}),
		),
	})
}

type testHarness struct {
	mock   *mockMatrixState
	client *Client
	engine *fakeEngine
}

// newTestHarness logs in against a mock homeserver and builds a handle
// with crypto initialized. The sync loop is not started.
func newTestHarness(t *testing.T, clk clock.Clock) *testHarness {
	t.Helper()
	mock := newMockMatrixState()
	server := httptest.NewServer(mock.handler())
	t.Cleanup(server.Close)

	matrixClient, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: server.URL,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	password, err := secret.NewFromString("pw")
	if err != nil {
		t.Fatalf("secret.NewFromString failed: %v", err)
	}
	defer password.Close()
	session, err := matrixClient.Login(context.Background(), "alice", password)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	engine := newFakeEngine()
	client, err := New(Config{
		Session: session,
		EngineFactory: func(_ context.Context, namespace string, rooms e2ee.RoomState) (e2ee.Engine, error) {
			if namespace == "" {
				return nil, errors.New("empty namespace")
			}
			engine.rooms = rooms
			return engine, nil
		},
		Clock:  clk,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.InitCrypto(context.Background(), "matrix-crypto-test"); err != nil {
		t.Fatalf("InitCrypto failed: %v", err)
	}
	return &testHarness{mock: mock, client: client, engine: engine}
}

// start runs the sync loop with a short long-poll and waits for the
// first sync.
func (h *testHarness) start(t *testing.T) {
	t.Helper()
	prepared := make(chan struct{})
	h.client.OncePrepared(func() { close(prepared) })
	if err := h.client.Start(SyncOptions{InitialTimelineLimit: 10, Timeout: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	testutil.RequireClosed(t, prepared, 5*time.Second, "first sync never completed")
}

func TestInitialSyncPopulatesRooms(t *testing.T) {
	harness := newTestHarness(t, nil)
	standardRooms(harness.mock)

	newRooms := make(chan RoomSummary, 4)
	harness.client.OnRoom(func(summary RoomSummary) { newRooms <- summary })
	harness.start(t)

	seen := map[string]RoomSummary{}
	for range 2 {
		summary := testutil.RequireReceive(t, newRooms, 5*time.Second, "room notification")
		seen[summary.RoomID.String()] = summary
	}
	if seen[plainRoom].Name != "Plain" || seen[plainRoom].Encrypted {
		t.Errorf("plain room summary = %+v", seen[plainRoom])
	}
	if seen[encryptedRoom].Name != "Secret" || !seen[encryptedRoom].Encrypted {
		t.Errorf("encrypted room summary = %+v", seen[encryptedRoom])
	}
	if seen[plainRoom].JoinedMembers != 2 {
		t.Errorf("JoinedMembers = %d, want 2", seen[plainRoom].JoinedMembers)
	}
	if !seen[plainRoom].HasMoreHistory {
		t.Error("room with prev_batch should report more history")
	}

	if rooms := harness.client.Rooms(); len(rooms) != 2 {
		t.Errorf("Rooms() = %+v, want 2 rooms", rooms)
	}
	timeline := harness.client.Timeline(ref.MustParseRoomID(plainRoom))
	if len(timeline) != 1 || timeline[0].Content["body"] != "hello" {
		t.Errorf("plain timeline = %+v", timeline)
	}

	// The engine saw the sync and can ask the handle about rooms.
	if harness.engine.rooms.EncryptionAlgorithm(ref.MustParseRoomID(encryptedRoom)) != schema.AlgorithmMegolm {
		t.Error("engine room state does not report encryption")
	}
	bobRooms := harness.engine.rooms.SharedRooms(ref.MustParseUserID("@bob:hyphae.social"))
	if len(bobRooms) != 2 {
		t.Errorf("SharedRooms(bob) = %v, want 2 rooms", bobRooms)
	}

	harness.mock.mu.Lock()
	query := harness.mock.syncQueries[0]
	harness.mock.mu.Unlock()
	if query.Get("since") != "" || query.Get("filter") != `{"room":{"timeline":{"limit":10}}}` {
		t.Errorf("initial sync query = %v", query)
	}
}

func TestOncePreparedAfterPrepared(t *testing.T) {
	harness := newTestHarness(t, nil)
	harness.start(t)

	called := false
	harness.client.OncePrepared(func() { called = true })
	if !called {
		t.Error("OncePrepared after the first sync should run the callback immediately")
	}
	if !harness.client.Prepared() {
		t.Error("Prepared() = false after first sync")
	}
}

func TestTimelineDecryption(t *testing.T) {
	harness := newTestHarness(t, nil)
	standardRooms(harness.mock)
	harness.engine.addKey("known")
	harness.start(t)

	notifications := make(chan TimelineNotification, 8)
	harness.client.OnTimeline(func(n TimelineNotification) { notifications <- n })

	harness.mock.enqueueTimeline(encryptedRoom,
		timelineEvent("$e1", "m.room.encrypted", "@bob:hyphae.social", 1700000002000,
			encryptedPayload("known", "m.room.message", map[string]any{"msgtype": "m.text", "body": "secret hello"})),
		timelineEvent("$e2", "m.room.encrypted", "@bob:hyphae.social", 1700000003000,
			encryptedPayload("late", "com.hyphae.data.record", map[string]any{"key": "k", "value": "v", "timestamp": 5})),
	)

	first := testutil.RequireReceive(t, notifications, 5*time.Second, "first encrypted event")
	second := testutil.RequireReceive(t, notifications, 5*time.Second, "second encrypted event")

	if first.RoomID.String() != encryptedRoom || first.ToStartOfTimeline {
		t.Errorf("notification = %+v", first)
	}
	if !first.Entry.Encrypted || first.Entry.DecryptionError != nil {
		t.Errorf("first entry should be decrypted: %+v", first.Entry)
	}
	if first.Entry.Type != schema.EventTypeMessage || first.Entry.Content["body"] != "secret hello" {
		t.Errorf("first entry effective event = %s %v", first.Entry.Type, first.Entry.Content)
	}
	if !second.Entry.Undecryptable() || second.Entry.Type != schema.EventTypeEncrypted {
		t.Errorf("second entry should be undecryptable: %+v", second.Entry)
	}

	// The key arrives later through to-device, and the stored entry is
	// re-decrypted without any caller asking.
	harness.mock.enqueueToDevice("m.room_key", map[string]any{
		"room_id":    encryptedRoom,
		"session_id": "late",
	})
	redecrypted := testutil.RequireReceive(t, notifications, 5*time.Second, "re-decrypted event")
	if !redecrypted.Redecrypted || redecrypted.RoomID.String() != encryptedRoom {
		t.Errorf("notification = %+v", redecrypted)
	}
	if redecrypted.Entry.EventID.String() != "$e2" || redecrypted.Entry.Undecryptable() {
		t.Errorf("re-decrypted entry = %+v", redecrypted.Entry)
	}
	if redecrypted.Entry.Type != schema.EventTypeDataRecord || redecrypted.Entry.Content["value"] != "v" {
		t.Errorf("re-decrypted effective event = %s %v", redecrypted.Entry.Type, redecrypted.Entry.Content)
	}

	roomID := ref.MustParseRoomID(encryptedRoom)
	timeline := harness.client.Timeline(roomID)
	last := timeline[len(timeline)-1]
	if last.EventID.String() != "$e2" || last.Undecryptable() || last.Content["value"] != "v" {
		t.Errorf("stored entry = %+v", last)
	}
	if again := harness.client.RetryDecryption(context.Background(), roomID); again != 0 {
		t.Errorf("RetryDecryption after automatic retry = %d, want 0", again)
	}
}

func TestRetryDecryption(t *testing.T) {
	harness := newTestHarness(t, nil)
	standardRooms(harness.mock)
	harness.start(t)

	notifications := make(chan TimelineNotification, 8)
	harness.client.OnTimeline(func(n TimelineNotification) { notifications <- n })

	harness.mock.enqueueTimeline(encryptedRoom,
		timelineEvent("$e1", "m.room.encrypted", "@bob:hyphae.social", 1700000002000,
			encryptedPayload("restored", "m.room.message", map[string]any{"msgtype": "m.text", "body": "from backup"})),
		timelineEvent("$e2", "m.room.encrypted", "@bob:hyphae.social", 1700000003000,
			encryptedPayload("missing", "m.room.message", map[string]any{"msgtype": "m.text", "body": "still locked"})),
	)
	testutil.RequireReceive(t, notifications, 5*time.Second, "first encrypted event")
	testutil.RequireReceive(t, notifications, 5*time.Second, "second encrypted event")

	// A key restored outside sync is not announced; callers retry.
	harness.engine.addKey("restored")
	roomID := ref.MustParseRoomID(encryptedRoom)
	if fixed := harness.client.RetryDecryption(context.Background(), roomID); fixed != 1 {
		t.Fatalf("RetryDecryption = %d, want 1", fixed)
	}
	timeline := harness.client.Timeline(roomID)
	for _, entry := range timeline {
		switch entry.EventID.String() {
		case "$e1":
			if entry.Undecryptable() || entry.Content["body"] != "from backup" {
				t.Errorf("restored entry = %+v", entry)
			}
		case "$e2":
			if !entry.Undecryptable() {
				t.Errorf("entry without a key decrypted: %+v", entry)
			}
		}
	}
	if again := harness.client.RetryDecryption(context.Background(), roomID); again != 0 {
		t.Errorf("second RetryDecryption = %d, want 0", again)
	}
	if fixed := harness.client.RetryDecryption(context.Background(), ref.MustParseRoomID("!unknown:hyphae.social")); fixed != 0 {
		t.Errorf("RetryDecryption for unknown room = %d, want 0", fixed)
	}
}

func TestSendEvent(t *testing.T) {
	harness := newTestHarness(t, nil)
	standardRooms(harness.mock)
	harness.start(t)
	ctx := context.Background()

	if _, err := harness.client.SendMessage(ctx, ref.MustParseRoomID(plainRoom), messaging.NewTextMessage("plain text")); err != nil {
		t.Fatalf("SendMessage to plain room failed: %v", err)
	}
	record := schema.DataRecordContent{Key: "k", Value: "v", Timestamp: 42}
	if _, err := harness.client.SendEvent(ctx, ref.MustParseRoomID(encryptedRoom), schema.EventTypeDataRecord, record); err != nil {
		t.Fatalf("SendEvent to encrypted room failed: %v", err)
	}

	sent := harness.mock.sentEvents()
	if len(sent) != 2 {
		t.Fatalf("sent %d events, want 2", len(sent))
	}
	if sent[0].EventType != "m.room.message" || sent[0].Content["body"] != "plain text" {
		t.Errorf("plain send = %+v", sent[0])
	}
	if sent[1].RoomID != encryptedRoom || sent[1].EventType != "m.room.encrypted" {
		t.Errorf("encrypted send = %+v", sent[1])
	}
	if _, leaked := sent[1].Content["key"]; leaked {
		t.Error("plaintext key leaked into the encrypted event content")
	}

	harness.engine.mu.Lock()
	calls := append([]fakeEncryptCall(nil), harness.engine.encrypted...)
	harness.engine.mu.Unlock()
	if len(calls) != 1 || calls[0].EventType != schema.EventTypeDataRecord {
		t.Fatalf("encrypt calls = %+v", calls)
	}
	if len(calls[0].Members) != 2 {
		t.Errorf("encrypt members = %v, want alice and bob", calls[0].Members)
	}
}

func TestSendEventUnknownRoom(t *testing.T) {
	harness := newTestHarness(t, nil)
	harness.start(t)

	_, err := harness.client.SendEvent(context.Background(), ref.MustParseRoomID("!nowhere:hyphae.social"), schema.EventTypeMessage, map[string]any{})
	if !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("SendEvent error = %v, want ErrUnknownRoom", err)
	}
	if len(harness.mock.sentEvents()) != 0 {
		t.Error("a request was sent for an unknown room")
	}
}

func TestCreateRoomAndWait(t *testing.T) {
	harness := newTestHarness(t, nil)
	harness.start(t)
	ctx := context.Background()

	roomID, err := harness.client.CreateRoom(ctx, messaging.CreateRoomRequest{
		Name:       "Notes",
		Visibility: "private",
		Preset:     "trusted_private_chat",
		InitialState: []messaging.StateEvent{{
			Type:    schema.EventTypeEncryption,
			Content: schema.MegolmEncryption(),
		}},
	})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if err := harness.client.WaitForRoom(ctx, roomID, 5*time.Second); err != nil {
		t.Fatalf("WaitForRoom failed: %v", err)
	}

	summary, ok := harness.client.Room(roomID)
	if !ok {
		t.Fatal("created room missing after WaitForRoom")
	}
	if summary.Name != "Notes" || !summary.Encrypted {
		t.Errorf("created room summary = %+v", summary)
	}
	// Already known: returns at once.
	if err := harness.client.WaitForRoom(ctx, roomID, time.Nanosecond); err != nil {
		t.Errorf("WaitForRoom on a known room = %v", err)
	}
}

func TestWaitForRoomTimeout(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	harness := newTestHarness(t, fakeClock)
	harness.start(t)

	result := make(chan error, 1)
	go func() {
		result <- harness.client.WaitForRoom(context.Background(), ref.MustParseRoomID("!never:hyphae.social"), 10*time.Second)
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(10 * time.Second)

	err := testutil.RequireReceive(t, result, 5*time.Second, "WaitForRoom did not return")
	if !errors.Is(err, ErrRoomNotVisible) {
		t.Errorf("WaitForRoom error = %v, want ErrRoomNotVisible", err)
	}
}

func TestPaginate(t *testing.T) {
	harness := newTestHarness(t, nil)
	standardRooms(harness.mock)
	// Newest first, as /messages returns with dir=b.
	harness.mock.history[plainRoom] = []map[string]any{
		timelineEvent("$h3", "m.room.message", "@bob:hyphae.social", 1700000000300, map[string]any{"msgtype": "m.text", "body": "three"}),
		timelineEvent("$h2", "m.room.message", "@bob:hyphae.social", 1700000000200, map[string]any{"msgtype": "m.text", "body": "two"}),
		timelineEvent("$h1", "m.room.message", "@bob:hyphae.social", 1700000000100, map[string]any{"msgtype": "m.text", "body": "one"}),
	}
	harness.start(t)

	notifications := make(chan TimelineNotification, 8)
	harness.client.OnTimeline(func(n TimelineNotification) { notifications <- n })

	roomID := ref.MustParseRoomID(plainRoom)
	added, err := harness.client.Paginate(context.Background(), roomID, 2)
	if err != nil {
		t.Fatalf("Paginate failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("Paginate added %d, want 2", added)
	}
	for range 2 {
		notification := testutil.RequireReceive(t, notifications, 5*time.Second, "paginated event")
		if !notification.ToStartOfTimeline {
			t.Errorf("paginated notification without ToStartOfTimeline: %+v", notification)
		}
	}

	timeline := harness.client.Timeline(roomID)
	bodies := []any{}
	for _, entry := range timeline {
		bodies = append(bodies, entry.Content["body"])
	}
	if len(bodies) != 3 || bodies[0] != "two" || bodies[1] != "three" || bodies[2] != "hello" {
		t.Errorf("timeline bodies = %v, want [two three hello]", bodies)
	}

	harness.mock.mu.Lock()
	firstQuery := harness.mock.messageQueries[0]
	harness.mock.mu.Unlock()
	if firstQuery.Get("from") != "plain_prev" || firstQuery.Get("dir") != "b" {
		t.Errorf("first /messages query = %v", firstQuery)
	}

	added, err = harness.client.Paginate(context.Background(), roomID, 2)
	if err != nil || added != 1 {
		t.Fatalf("second Paginate = %d, %v; want 1", added, err)
	}
	if summary, _ := harness.client.Room(roomID); summary.HasMoreHistory {
		t.Error("room should have no more history")
	}
	added, err = harness.client.Paginate(context.Background(), roomID, 2)
	if err != nil || added != 0 {
		t.Errorf("Paginate at start of room = %d, %v; want 0, nil", added, err)
	}
}

func TestSyncBackoff(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	harness := newTestHarness(t, fakeClock)
	harness.mock.syncFailures = 2

	prepared := make(chan struct{})
	harness.client.OncePrepared(func() { close(prepared) })
	if err := harness.client.Start(SyncOptions{Timeout: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(time.Second)
	fakeClock.WaitForTimers(1)
	// The second delay doubles; one second is not enough.
	fakeClock.Advance(time.Second)
	select {
	case <-prepared:
		t.Fatal("sync retried before the doubled backoff elapsed")
	case <-time.After(50 * time.Millisecond):
	}
	fakeClock.Advance(time.Second)

	testutil.RequireClosed(t, prepared, 5*time.Second, "sync never recovered")
}

func TestStartTwiceAndStop(t *testing.T) {
	harness := newTestHarness(t, nil)
	harness.start(t)

	if err := harness.client.Start(SyncOptions{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if err := harness.client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if harness.client.Crypto() != nil {
		t.Error("Crypto() should be nil after Close")
	}
	harness.engine.mu.Lock()
	closed := harness.engine.closed
	harness.engine.mu.Unlock()
	if !closed {
		t.Error("engine not closed")
	}
	if err := harness.client.Start(SyncOptions{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Close = %v, want ErrStopped", err)
	}
	// Idempotent.
	harness.client.Stop()
}

func TestEncryptedRoomWithoutCrypto(t *testing.T) {
	mock := newMockMatrixState()
	standardRooms(mock)
	server := httptest.NewServer(mock.handler())
	t.Cleanup(server.Close)

	matrixClient, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: server.URL, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	password, _ := secret.NewFromString("pw")
	defer password.Close()
	session, err := matrixClient.Login(context.Background(), "alice", password)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	client, err := New(Config{Session: session, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer client.Close()

	prepared := make(chan struct{})
	client.OncePrepared(func() { close(prepared) })
	if err := client.Start(SyncOptions{Timeout: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	testutil.RequireClosed(t, prepared, 5*time.Second, "first sync")

	_, err = client.SendEvent(context.Background(), ref.MustParseRoomID(encryptedRoom), schema.EventTypeMessage, map[string]any{"body": "x"})
	if !errors.Is(err, ErrCryptoNotInitialized) {
		t.Errorf("SendEvent error = %v, want ErrCryptoNotInitialized", err)
	}
}
