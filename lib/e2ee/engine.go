// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bureau-foundation/hyphae/lib/ref"
)

// ErrSecretStorageNotSetUp is returned by BootstrapSecretStorage when
// the account has no default secret storage key. The message is what
// users see in the recovery dialog, so it names the condition plainly.
var ErrSecretStorageNotSetUp = errors.New("e2ee: Secret storage is not set up on this account")

// ErrCrossSigningExists is returned by BootstrapCrossSigning when the
// account already publishes a master key. Generating a new one would
// invalidate every existing cross-signature.
var ErrCrossSigningExists = errors.New("e2ee: cross-signing is already set up on this account")

// ErrNewSecretStorageUnsupported is returned when
// SecretStorageOptions.SetupNewSecretStorage is true. Hyphae only
// restores from existing secret storage.
var ErrNewSecretStorageUnsupported = errors.New("e2ee: creating new secret storage is not supported")

// IsSecretStorageMissing reports whether err means the account has no
// usable secret storage. It matches wrapped engine errors by message
// as well as [ErrSecretStorageNotSetUp] itself.
func IsSecretStorageMissing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSecretStorageNotSetUp) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "Secret storage") || strings.Contains(message, "not set up")
}

// AuthCallback supplies user-interactive auth for key uploads that
// the homeserver guards. session is the UIA session ID from the
// server's 401 response. The returned value is sent as the request's
// "auth" object.
type AuthCallback func(session string) any

// KeySupplier returns the recovery key (or the raw secret storage key
// in its base58 recovery form) when the engine needs it.
type KeySupplier func(ctx context.Context) (string, error)

// SecretStorageOptions controls BootstrapSecretStorage.
type SecretStorageOptions struct {
	// SetupNewSecretStorage asks the engine to create fresh secret
	// storage. Hyphae always passes false.
	SetupNewSecretStorage bool

	// KeySupplier provides the existing recovery key.
	KeySupplier KeySupplier
}

// EncryptedEvent is an m.room.encrypted timeline event handed to
// Decrypt.
type EncryptedEvent struct {
	RoomID         ref.RoomID
	EventID        ref.EventID
	Sender         ref.UserID
	OriginServerTS int64
	Content        map[string]any
}

// DecryptedEvent is the plaintext inner event.
type DecryptedEvent struct {
	Type    ref.EventType
	Content map[string]any
}

// SessionListener is told when the engine gains a Megolm session it
// did not have before, whether from a to-device room key, a forwarded
// key, or a key backup restore.
type SessionListener func(roomID ref.RoomID, sessionID string)

// Engine is the crypto engine the client handle drives. Implementations
// must be safe for concurrent use: ProcessSync runs on the sync
// goroutine while Encrypt runs on action goroutines.
type Engine interface {
	// ProcessSync feeds a raw /sync response body to the engine:
	// to-device messages (room keys), device list changes, and
	// one-time key counts. since is the token the sync was requested
	// with.
	ProcessSync(ctx context.Context, raw json.RawMessage, since string) error

	// Decrypt returns the plaintext of a Megolm-encrypted event.
	Decrypt(ctx context.Context, evt EncryptedEvent) (*DecryptedEvent, error)

	// Encrypt returns the m.room.encrypted content for a plaintext
	// event. members are the room's joined users; the engine shares
	// a new outbound session with their devices when needed.
	Encrypt(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any, members []ref.UserID) (json.RawMessage, error)

	// BootstrapCrossSigning generates and publishes cross-signing
	// keys, authenticating the upload through auth. Returns
	// ErrCrossSigningExists when keys are already published.
	BootstrapCrossSigning(ctx context.Context, auth AuthCallback) error

	// BootstrapSecretStorage unlocks existing secret storage with the
	// supplied recovery key, restores the cross-signing private keys,
	// and signs this device.
	BootstrapSecretStorage(ctx context.Context, options SecretStorageOptions) error

	// OnSessionReceived registers the listener for newly received
	// Megolm sessions, replacing any earlier one. It may be called from
	// inside ProcessSync or BootstrapSecretStorage.
	OnSessionReceived(listener SessionListener)

	// Close releases the engine's store.
	Close() error
}

// RoomState is what the engine needs to know about rooms, supplied by
// the client handle from synced state.
type RoomState interface {
	// EncryptionAlgorithm returns the room's m.room.encryption
	// algorithm, or "" for an unencrypted or unknown room.
	EncryptionAlgorithm(roomID ref.RoomID) string

	// SharedRooms returns the joined rooms where userID is a member.
	SharedRooms(userID ref.UserID) []ref.RoomID
}
