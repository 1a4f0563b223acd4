// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/hyphae/lib/ref"
)

// Config holds the parameters for [Open].
type Config struct {
	// HomeserverURL, UserID, DeviceID and AccessToken are the
	// credentials of the logged-in session. The engine makes its own
	// key upload, key query and to-device requests with them.
	HomeserverURL string
	UserID        ref.UserID
	DeviceID      ref.DeviceID
	AccessToken   string

	// HTTPClient is used for the engine's requests. Nil uses the
	// mautrix default.
	HTTPClient *http.Client

	// DatabasePath is the SQLite file for this namespace.
	DatabasePath string

	// Namespace is the storage namespace prefix. It is the account
	// key inside the store.
	Namespace string

	// PickleKey encrypts pickled Olm state; see [PickleKey].
	PickleKey []byte

	// Rooms answers encryption and membership questions.
	Rooms RoomState

	// Logger receives engine logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// OlmEngine is the mautrix-go implementation of [Engine].
type OlmEngine struct {
	client  *mautrix.Client
	machine *crypto.OlmMachine
	db      *dbutil.Database
	logger  *slog.Logger

	// encryptMu serializes group session sharing and encryption per
	// engine so two sends into one room cannot both create a session.
	encryptMu sync.Mutex

	listenerMu sync.Mutex
	listener   SessionListener
}

var _ Engine = (*OlmEngine)(nil)

// Open creates the crypto store for config.Namespace (upgrading its
// schema if needed), loads or creates the Olm account, and uploads
// device and one-time keys.
func Open(ctx context.Context, config Config) (*OlmEngine, error) {
	if config.UserID.IsZero() || config.DeviceID.IsZero() || config.AccessToken == "" {
		return nil, fmt.Errorf("e2ee: user ID, device ID and access token are required")
	}
	if config.DatabasePath == "" || config.Namespace == "" {
		return nil, fmt.Errorf("e2ee: database path and namespace are required")
	}
	if len(config.PickleKey) == 0 {
		return nil, fmt.Errorf("e2ee: pickle key is required")
	}
	if config.Rooms == nil {
		return nil, fmt.Errorf("e2ee: room state source is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("namespace", config.Namespace)
	zlog := NewZerologBridge(logger)

	client, err := mautrix.NewClient(config.HomeserverURL, id.UserID(config.UserID.String()), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("e2ee: creating engine client: %w", err)
	}
	client.DeviceID = id.DeviceID(config.DeviceID.String())
	client.Log = zlog
	if config.HTTPClient != nil {
		client.Client = config.HTTPClient
	}

	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", config.DatabasePath), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("e2ee: opening crypto store %s: %w", config.DatabasePath, err)
	}
	store := crypto.NewSQLCryptoStore(db, dbutil.ZeroLogger(zlog), config.Namespace, client.DeviceID, config.PickleKey)
	if err := store.DB.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("e2ee: upgrading crypto store: %w", err)
	}

	machine := crypto.NewOlmMachine(client, &zlog, store, &stateStore{rooms: config.Rooms})
	engine := &OlmEngine{
		client:  client,
		machine: machine,
		db:      db,
		logger:  logger,
	}
	machine.SessionReceived = engine.sessionReceived
	if err := machine.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("e2ee: loading olm account: %w", err)
	}
	if err := machine.ShareKeys(ctx, -1); err != nil {
		db.Close()
		return nil, fmt.Errorf("e2ee: uploading device keys: %w", err)
	}

	logger.Info("crypto engine ready",
		"user_id", config.UserID,
		"device_id", config.DeviceID,
		"identity_key", machine.OwnIdentity().IdentityKey,
	)
	return engine, nil
}

// OnSessionReceived registers listener for sessions the machine
// stores after this call.
func (e *OlmEngine) OnSessionReceived(listener SessionListener) {
	e.listenerMu.Lock()
	e.listener = listener
	e.listenerMu.Unlock()
}

func (e *OlmEngine) sessionReceived(_ context.Context, roomID id.RoomID, sessionID id.SessionID, firstKnownIndex uint32) {
	e.listenerMu.Lock()
	listener := e.listener
	e.listenerMu.Unlock()
	if listener == nil {
		return
	}
	room, err := ref.ParseRoomID(string(roomID))
	if err != nil {
		e.logger.Warn("session received for invalid room ID", "room_id", roomID, "error", err)
		return
	}
	e.logger.Debug("megolm session received",
		"room_id", room,
		"session_id", sessionID,
		"first_known_index", firstKnownIndex,
	)
	listener(room, sessionID.String())
}

// ProcessSync hands the raw sync body to the OlmMachine.
func (e *OlmEngine) ProcessSync(ctx context.Context, raw json.RawMessage, since string) error {
	var response mautrix.RespSync
	if err := json.Unmarshal(raw, &response); err != nil {
		return fmt.Errorf("e2ee: decoding sync response: %w", err)
	}
	if !e.machine.ProcessSyncResponse(ctx, &response, since) {
		return fmt.Errorf("e2ee: engine failed to process sync response")
	}
	return nil
}

// Decrypt decrypts a Megolm event.
func (e *OlmEngine) Decrypt(ctx context.Context, encrypted EncryptedEvent) (*DecryptedEvent, error) {
	wire, err := json.Marshal(map[string]any{
		"room_id":          encrypted.RoomID.String(),
		"event_id":         encrypted.EventID.String(),
		"sender":           encrypted.Sender.String(),
		"origin_server_ts": encrypted.OriginServerTS,
		"type":             event.EventEncrypted.Type,
		"content":          encrypted.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding event %s: %w", encrypted.EventID, err)
	}
	var evt event.Event
	if err := json.Unmarshal(wire, &evt); err != nil {
		return nil, fmt.Errorf("e2ee: decoding event %s: %w", encrypted.EventID, err)
	}
	evt.Type.Class = event.MessageEventType
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil, fmt.Errorf("e2ee: parsing encrypted content of %s: %w", encrypted.EventID, err)
		}
	}

	decrypted, err := e.machine.DecryptMegolmEvent(ctx, &evt)
	if err != nil {
		return nil, fmt.Errorf("e2ee: decrypting %s: %w", encrypted.EventID, err)
	}

	content := decrypted.Content.Raw
	if content == nil && len(decrypted.Content.VeryRaw) > 0 {
		if err := json.Unmarshal(decrypted.Content.VeryRaw, &content); err != nil {
			return nil, fmt.Errorf("e2ee: decoding plaintext of %s: %w", encrypted.EventID, err)
		}
	}
	if content == nil {
		content = map[string]any{}
	}
	return &DecryptedEvent{
		Type:    ref.EventType(decrypted.Type.Type),
		Content: content,
	}, nil
}

// Encrypt shares the room's outbound session with any member devices
// that lack it (creating the session if none is active) and encrypts.
func (e *OlmEngine) Encrypt(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any, members []ref.UserID) (json.RawMessage, error) {
	e.encryptMu.Lock()
	defer e.encryptMu.Unlock()

	room := id.RoomID(roomID.String())
	users := make([]id.UserID, len(members))
	for index, member := range members {
		users[index] = id.UserID(member.String())
	}

	if err := e.machine.ShareGroupSession(ctx, room, users); err != nil {
		return nil, fmt.Errorf("e2ee: sharing group session for %s: %w", roomID, err)
	}
	encrypted, err := e.machine.EncryptMegolmEvent(ctx, room, event.Type{Type: eventType.String(), Class: event.MessageEventType}, content)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encrypting %s for %s: %w", eventType, roomID, err)
	}
	wire, err := json.Marshal(encrypted)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding encrypted content: %w", err)
	}
	return wire, nil
}

// BootstrapCrossSigning publishes fresh cross-signing keys when the
// account has none, then signs this device with them.
func (e *OlmEngine) BootstrapCrossSigning(ctx context.Context, auth AuthCallback) error {
	if auth == nil {
		return fmt.Errorf("e2ee: cross-signing bootstrap needs an auth callback")
	}
	userID := e.client.UserID

	existing, err := e.client.QueryKeys(ctx, &mautrix.ReqQueryKeys{
		DeviceKeys: mautrix.DeviceKeysRequest{userID: mautrix.DeviceIDList{}},
	})
	if err != nil {
		return fmt.Errorf("e2ee: querying own keys: %w", err)
	}
	if _, ok := existing.MasterKeys[userID]; ok {
		return ErrCrossSigningExists
	}

	keys, err := e.machine.GenerateCrossSigningKeys()
	if err != nil {
		return fmt.Errorf("e2ee: generating cross-signing keys: %w", err)
	}
	err = e.machine.PublishCrossSigningKeys(ctx, keys, func(challenge *mautrix.RespUserInteractive) interface{} {
		return auth(challenge.Session)
	})
	if err != nil {
		return fmt.Errorf("e2ee: publishing cross-signing keys: %w", err)
	}
	if err := e.machine.SignOwnDevice(ctx, e.machine.OwnIdentity()); err != nil {
		return fmt.Errorf("e2ee: signing own device: %w", err)
	}
	e.logger.Info("published cross-signing keys", "user_id", userID)
	return nil
}

// BootstrapSecretStorage unlocks the account's default secret storage
// key with the recovery key, pulls the cross-signing private keys out
// of it, and cross-signs this device.
func (e *OlmEngine) BootstrapSecretStorage(ctx context.Context, options SecretStorageOptions) error {
	if options.SetupNewSecretStorage {
		return ErrNewSecretStorageUnsupported
	}
	if options.KeySupplier == nil {
		return fmt.Errorf("e2ee: secret storage bootstrap needs a key supplier")
	}
	recoveryKey, err := options.KeySupplier(ctx)
	if err != nil {
		return fmt.Errorf("e2ee: obtaining recovery key: %w", err)
	}

	keyID, keyData, err := e.machine.SSSS.GetDefaultKeyData(ctx)
	if err != nil {
		if errors.Is(err, ssss.ErrNoDefaultKeyID) || errors.Is(err, mautrix.MNotFound) {
			return fmt.Errorf("%w: %v", ErrSecretStorageNotSetUp, err)
		}
		return fmt.Errorf("e2ee: reading secret storage key: %w", err)
	}
	key, err := keyData.VerifyRecoveryKey(keyID, recoveryKey)
	if err != nil {
		return fmt.Errorf("e2ee: recovery key does not match key %s: %w", keyID, err)
	}

	if err := e.machine.FetchCrossSigningKeysFromSSSS(ctx, key); err != nil {
		return fmt.Errorf("e2ee: restoring cross-signing keys: %w", err)
	}
	if err := e.machine.SignOwnDevice(ctx, e.machine.OwnIdentity()); err != nil {
		return fmt.Errorf("e2ee: signing own device: %w", err)
	}
	if err := e.machine.SignOwnMasterKey(ctx); err != nil {
		return fmt.Errorf("e2ee: signing own master key: %w", err)
	}
	e.logger.Info("restored keys from secret storage", "key_id", keyID)
	return nil
}

// Close closes the crypto store.
func (e *OlmEngine) Close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("e2ee: closing crypto store: %w", err)
	}
	return nil
}
