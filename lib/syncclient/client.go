// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/hyphae/lib/clock"
	"github.com/bureau-foundation/hyphae/lib/e2ee"
	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/messaging"
)

var (
	// ErrCryptoNotInitialized is returned when an encrypted room is
	// used before InitCrypto succeeded.
	ErrCryptoNotInitialized = errors.New("syncclient: crypto engine not initialized")

	// ErrUnknownRoom is returned for a room the handle has not seen
	// in sync.
	ErrUnknownRoom = errors.New("syncclient: unknown room")

	// ErrRoomNotVisible is returned by WaitForRoom when the room does
	// not arrive through sync before the timeout.
	ErrRoomNotVisible = errors.New("syncclient: room did not appear in sync")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("syncclient: sync already started")

	// ErrStopped is returned by operations on a stopped handle.
	ErrStopped = errors.New("syncclient: client stopped")
)

// EngineFactory opens the crypto engine for a storage namespace. rooms
// is the handle itself, which answers the engine's room questions from
// synced state.
type EngineFactory func(ctx context.Context, namespace string, rooms e2ee.RoomState) (e2ee.Engine, error)

// Config holds the parameters for [New].
type Config struct {
	// Session performs every homeserver request. The handle takes
	// ownership and closes it in Close.
	Session messaging.Session

	// EngineFactory is called by InitCrypto.
	EngineFactory EngineFactory

	// Clock drives sync backoff and WaitForRoom. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is the handle for one login session.
type Client struct {
	session       messaging.Session
	engineFactory EngineFactory
	clock         clock.Clock
	logger        *slog.Logger

	mu        sync.Mutex
	engine    e2ee.Engine
	rooms     map[ref.RoomID]*room
	roomOrder []ref.RoomID
	waiters   map[ref.RoomID][]chan struct{}

	prepared          bool
	preparedCallbacks []func()

	// keysMu guards receivedSessions, which the engine fills from
	// inside ProcessSync.
	keysMu           sync.Mutex
	receivedSessions map[ref.RoomID]map[string]bool

	nextListenerID    int
	timelineListeners []timelineListener
	roomListeners     []roomListener

	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type timelineListener struct {
	id       int
	callback func(TimelineNotification)
}

type roomListener struct {
	id       int
	callback func(RoomSummary)
}

// New creates a handle. Nothing is requested until Start.
func New(config Config) (*Client, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("syncclient: session is required")
	}
	client := &Client{
		session:       config.Session,
		engineFactory: config.EngineFactory,
		clock:         config.Clock,
		logger:        config.Logger,
		rooms:         make(map[ref.RoomID]*room),
		waiters:       make(map[ref.RoomID][]chan struct{}),
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	client.logger = client.logger.With("user_id", config.Session.UserID())
	return client, nil
}

// UserID returns the logged-in user.
func (c *Client) UserID() ref.UserID { return c.session.UserID() }

// DeviceID returns the session's device.
func (c *Client) DeviceID() ref.DeviceID { return c.session.DeviceID() }

// InitCrypto opens the crypto engine for namespace. It must be called
// before Start for encrypted rooms to decrypt from the first sync.
func (c *Client) InitCrypto(ctx context.Context, namespace string) error {
	if c.engineFactory == nil {
		return fmt.Errorf("syncclient: no engine factory configured")
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.engine != nil {
		c.mu.Unlock()
		return fmt.Errorf("syncclient: crypto already initialized")
	}
	c.mu.Unlock()

	engine, err := c.engineFactory(ctx, namespace, c)
	if err != nil {
		return fmt.Errorf("syncclient: initializing crypto: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.engine != nil {
		engine.Close()
		if c.stopped {
			return ErrStopped
		}
		return fmt.Errorf("syncclient: crypto already initialized")
	}
	c.engine = engine
	engine.OnSessionReceived(c.sessionReceived)
	c.logger.Info("crypto initialized", "namespace", namespace)
	return nil
}

// Crypto returns the engine, or nil before InitCrypto.
func (c *Client) Crypto() e2ee.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// OncePrepared registers callback to run once, after the first sync
// has been processed. If that already happened, callback runs before
// OncePrepared returns.
func (c *Client) OncePrepared(callback func()) {
	c.mu.Lock()
	if !c.prepared {
		c.preparedCallbacks = append(c.preparedCallbacks, callback)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	callback()
}

// Prepared reports whether the first sync has been processed.
func (c *Client) Prepared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepared
}

// OnTimeline registers a listener for timeline events in every room.
// The returned function removes it.
func (c *Client) OnTimeline(callback func(TimelineNotification)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	id := c.nextListenerID
	c.timelineListeners = append(c.timelineListeners, timelineListener{id: id, callback: callback})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for index, listener := range c.timelineListeners {
			if listener.id == id {
				c.timelineListeners = append(c.timelineListeners[:index:index], c.timelineListeners[index+1:]...)
				return
			}
		}
	}
}

// OnRoom registers a listener called when a room first appears in
// sync. The returned function removes it.
func (c *Client) OnRoom(callback func(RoomSummary)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	id := c.nextListenerID
	c.roomListeners = append(c.roomListeners, roomListener{id: id, callback: callback})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for index, listener := range c.roomListeners {
			if listener.id == id {
				c.roomListeners = append(c.roomListeners[:index:index], c.roomListeners[index+1:]...)
				return
			}
		}
	}
}

// notifyTimeline delivers notifications in order. Must be called
// without c.mu held.
func (c *Client) notifyTimeline(notifications []TimelineNotification) {
	if len(notifications) == 0 {
		return
	}
	c.mu.Lock()
	listeners := append([]timelineListener(nil), c.timelineListeners...)
	c.mu.Unlock()
	for _, notification := range notifications {
		for _, listener := range listeners {
			listener.callback(notification)
		}
	}
}

// notifyRooms delivers new-room summaries. Must be called without
// c.mu held.
func (c *Client) notifyRooms(summaries []RoomSummary) {
	if len(summaries) == 0 {
		return
	}
	c.mu.Lock()
	listeners := append([]roomListener(nil), c.roomListeners...)
	c.mu.Unlock()
	for _, summary := range summaries {
		for _, listener := range listeners {
			listener.callback(summary)
		}
	}
}

// markPrepared flips the prepared flag and runs pending callbacks.
func (c *Client) markPrepared() {
	c.mu.Lock()
	if c.prepared {
		c.mu.Unlock()
		return
	}
	c.prepared = true
	callbacks := c.preparedCallbacks
	c.preparedCallbacks = nil
	c.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
}

// Stop cancels the sync loop and waits for it to exit. Idempotent.
// The engine and session stay open; see Close.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops the sync loop, closes the engine, and closes the
// session (releasing its access token). Idempotent.
func (c *Client) Close() error {
	c.Stop()

	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	c.mu.Unlock()

	var errs []error
	if engine != nil {
		if err := engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("syncclient: closing session: %w", err))
	}
	return errors.Join(errs...)
}
