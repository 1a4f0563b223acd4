// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bureau-foundation/hyphae/lib/clock"
	"github.com/bureau-foundation/hyphae/lib/cryptostore"
	"github.com/bureau-foundation/hyphae/lib/e2ee"
	"github.com/bureau-foundation/hyphae/lib/secret"
	"github.com/bureau-foundation/hyphae/lib/syncclient"
	"github.com/bureau-foundation/hyphae/messaging"
)

// Login progress steps reported through BootstrapConfig.Progress.
const (
	StepAuthenticating = "Authenticating..."
	StepClearing       = "Clearing old encryption data..."
	StepEncryption     = "Setting up fresh encryption..."
	StepCrossSigning   = "Setting up encryption keys..."
	StepSync           = "Connecting..."
)

// EngineParams is what an [EngineOpener] needs to open the crypto
// engine for one login.
type EngineParams struct {
	Session      *messaging.DirectSession
	Namespace    string
	DatabasePath string
	PickleKey    []byte
	Rooms        e2ee.RoomState
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// EngineOpener opens the crypto engine. [OpenOlmEngine] is the
// production implementation.
type EngineOpener func(ctx context.Context, params EngineParams) (e2ee.Engine, error)

// OpenOlmEngine opens the mautrix engine backed by SQLite.
func OpenOlmEngine(ctx context.Context, params EngineParams) (e2ee.Engine, error) {
	return e2ee.Open(ctx, e2ee.Config{
		HomeserverURL: params.Session.HomeserverURL(),
		UserID:        params.Session.UserID(),
		DeviceID:      params.Session.DeviceID(),
		AccessToken:   params.Session.AccessToken(),
		HTTPClient:    params.HTTPClient,
		DatabasePath:  params.DatabasePath,
		Namespace:     params.Namespace,
		PickleKey:     params.PickleKey,
		Rooms:         params.Rooms,
		Logger:        params.Logger,
	})
}

// BootstrapConfig controls [Bootstrapper.Login].
type BootstrapConfig struct {
	// HomeserverURL is where every login goes.
	HomeserverURL string

	// ServerName qualifies bare usernames. Defaults to
	// DefaultServerName.
	ServerName string

	// HTTPClient is shared by the Matrix client and the crypto engine.
	// Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// Store is the data directory of crypto namespaces. Required.
	Store *cryptostore.Store

	// PickleSecret seeds the per-namespace pickle keys. May be empty.
	PickleSecret []byte

	// OpenEngine opens the crypto engine. Defaults to OpenOlmEngine.
	OpenEngine EngineOpener

	// SettleDelay is the pause between cleanup and engine
	// initialization.
	SettleDelay time.Duration

	// InitialSyncLimit bounds the first sync's timeline per room.
	InitialSyncLimit int

	// SyncTimeout is the /sync long-poll duration. Zero uses the
	// syncclient default.
	SyncTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// Progress, if set, is called with each Step* constant as the
	// sequence advances.
	Progress func(step string)
}

// BootstrapResult is a logged-in, syncing session.
type BootstrapResult struct {
	// Client is the started handle. The caller owns it and must Close
	// it on logout.
	Client *syncclient.Client

	// Session is the authenticated Matrix session. Client.Close
	// releases it.
	Session *messaging.DirectSession

	// Namespace is the crypto storage prefix for this user and device.
	Namespace string

	// Cleanup reports what the pre-login namespace cleanup did.
	Cleanup cryptostore.CleanupReport

	// CrossSigning is the outcome of the cross-signing bootstrap: nil
	// when keys were published, e2ee.ErrCrossSigningExists when the
	// account already had them, or the failure. It never fails the
	// login.
	CrossSigning error
}

// Bootstrapper performs logins. It holds no per-login state and may be
// reused.
type Bootstrapper struct {
	config BootstrapConfig
	client *messaging.Client
	clock  clock.Clock
	logger *slog.Logger
}

// NewBootstrapper validates config and creates the Matrix client.
func NewBootstrapper(config BootstrapConfig) (*Bootstrapper, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("app: crypto store is required")
	}
	if config.ServerName == "" {
		config.ServerName = DefaultServerName
	}
	if config.OpenEngine == nil {
		config.OpenEngine = OpenOlmEngine
	}
	if config.InitialSyncLimit <= 0 {
		config.InitialSyncLimit = syncclient.DefaultInitialTimelineLimit
	}
	bootstrapper := &Bootstrapper{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
	}
	if bootstrapper.clock == nil {
		bootstrapper.clock = clock.Real()
	}
	if bootstrapper.logger == nil {
		bootstrapper.logger = slog.Default()
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: config.HomeserverURL,
		HTTPClient:    config.HTTPClient,
		Logger:        bootstrapper.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	bootstrapper.client = client
	return bootstrapper, nil
}

// ServerName returns the server name used to qualify usernames.
func (b *Bootstrapper) ServerName() string { return b.config.ServerName }

// Store returns the crypto namespace store.
func (b *Bootstrapper) Store() *cryptostore.Store { return b.config.Store }

func (b *Bootstrapper) progress(step string) {
	if b.config.Progress != nil {
		b.config.Progress(step)
	}
}

// Login runs the login sequence:
//
//  1. Password login for username (already qualified).
//  2. Best-effort deletion of every stored crypto namespace.
//  3. The settle delay.
//  4. Build the client handle.
//  5. Open the crypto engine under this user and device's namespace.
//  6. Bootstrap cross-signing, re-authenticating with the password.
//  7. Start syncing.
//  8. Register onPrepared for the first completed sync.
//
// Steps 1, 4 and 5 abort the login on failure, releasing everything
// created so far. Cleanup and cross-signing failures are recorded in
// the result. The password buffer is read but not closed.
func (b *Bootstrapper) Login(ctx context.Context, username string, password *secret.Buffer, onPrepared func()) (*BootstrapResult, error) {
	if username == "" || password == nil || password.Len() == 0 {
		return nil, fmt.Errorf("app: username and password are required")
	}

	b.progress(StepAuthenticating)
	session, err := b.client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	result := &BootstrapResult{Session: session}
	logger := b.logger.With("user_id", session.UserID(), "device_id", session.DeviceID())

	b.progress(StepClearing)
	result.Cleanup = b.config.Store.DeleteMatching(ctx)

	if b.config.SettleDelay > 0 {
		select {
		case <-b.clock.After(b.config.SettleDelay):
		case <-ctx.Done():
			session.Close()
			return nil, fmt.Errorf("app: login cancelled: %w", ctx.Err())
		}
	}

	b.progress(StepEncryption)
	result.Namespace = cryptostore.Prefix(session.UserID(), session.DeviceID())
	client, err := syncclient.New(syncclient.Config{
		Session:       session,
		EngineFactory: b.engineFactory(session),
		Clock:         b.clock,
		Logger:        b.logger,
	})
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("app: creating client handle: %w", err)
	}
	if err := b.config.Store.EnsureDir(); err != nil {
		client.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	if err := client.InitCrypto(ctx, result.Namespace); err != nil {
		client.Close()
		return nil, err
	}
	result.Client = client
	logger.Info("crypto namespace ready", "namespace", result.Namespace)

	b.progress(StepCrossSigning)
	result.CrossSigning = client.Crypto().BootstrapCrossSigning(ctx, passwordAuth(session.UserID().String(), password))
	switch {
	case result.CrossSigning == nil:
		logger.Info("cross-signing keys published")
	case errors.Is(result.CrossSigning, e2ee.ErrCrossSigningExists):
		logger.Info("cross-signing already set up")
	default:
		logger.Warn("cross-signing bootstrap failed", "error", result.CrossSigning)
	}

	b.progress(StepSync)
	if onPrepared != nil {
		client.OncePrepared(onPrepared)
	}
	err = client.Start(syncclient.SyncOptions{
		InitialTimelineLimit: b.config.InitialSyncLimit,
		Timeout:              b.config.SyncTimeout,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("app: starting sync: %w", err)
	}
	return result, nil
}

func (b *Bootstrapper) engineFactory(session *messaging.DirectSession) syncclient.EngineFactory {
	return func(ctx context.Context, namespace string, rooms e2ee.RoomState) (e2ee.Engine, error) {
		pickleKey, err := e2ee.PickleKey(b.config.PickleSecret, namespace)
		if err != nil {
			return nil, err
		}
		return b.config.OpenEngine(ctx, EngineParams{
			Session:      session,
			Namespace:    namespace,
			DatabasePath: b.config.Store.DatabasePath(namespace),
			PickleKey:    pickleKey,
			Rooms:        rooms,
			HTTPClient:   b.client.HTTPClient(),
			Logger:       b.logger,
		})
	}
}

// passwordAuth answers the homeserver's user-interactive auth challenge
// for the cross-signing key upload with the login password.
func passwordAuth(userID string, password *secret.Buffer) e2ee.AuthCallback {
	return func(session string) any {
		return map[string]any{
			"type":     "m.login.password",
			"session":  session,
			"password": password.String(),
			"identifier": map[string]any{
				"type": "m.id.user",
				"user": userID,
			},
		}
	}
}
