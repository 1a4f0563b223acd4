// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/hyphae/lib/clock"
	"github.com/bureau-foundation/hyphae/lib/e2ee"
	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/render"
	"github.com/bureau-foundation/hyphae/lib/schema"
	"github.com/bureau-foundation/hyphae/lib/secret"
	"github.com/bureau-foundation/hyphae/lib/syncclient"
	"github.com/bureau-foundation/hyphae/lib/timeline"
	"github.com/bureau-foundation/hyphae/messaging"
)

// Status and alert texts.
const (
	StatusMissingCredentials = "Please enter both username and password"
	StatusConnecting         = "Connecting to Hyphae..."
	StatusDisconnected       = "Disconnected"
	StatusClearing           = "Clearing encryption data..."

	RecoveryMissingKey = "Please enter a recovery key"
	RecoveryRunning    = "🔄 Restoring keys..."
	RecoverySucceeded  = "✅ Keys restored!"
	RecoveryNoSSSS     = "Secret storage not set up on this account. You may need to set it up in Element first."

	CreateRoomMissingName = "Please enter a room name"
)

// PageSize is how many events "load older messages" requests.
const PageSize = 20

// ErrNotConnected is returned (as ActionResult.Error text) by actions
// that need a session when there is none.
var ErrNotConnected = errors.New("app: not connected")

// ControllerConfig configures a [Controller].
type ControllerConfig struct {
	Bootstrapper *Bootstrapper
	Renderer     *render.HTML
	Publisher    Publisher

	// RecoveryCloseDelay is how long the restore success message stays
	// up before the recovery dialog closes.
	RecoveryCloseDelay time.Duration

	// RoomVisibleTimeout bounds the wait for a created room to arrive
	// through sync.
	RoomVisibleTimeout time.Duration

	// Location formats timestamps. Nil means time.Local.
	Location *time.Location

	Clock  clock.Clock
	Logger *slog.Logger
}

// Controller holds one user's session context: the client handle, the
// selected room, and the page state derived from them.
type Controller struct {
	bootstrapper *Bootstrapper
	renderer     *render.HTML
	publisher    Publisher
	clock        clock.Clock
	logger       *slog.Logger
	location     *time.Location

	recoveryCloseDelay time.Duration
	roomVisibleTimeout time.Duration

	// publishMu serializes fragment rendering and publication so
	// views reach the publisher in the order their state was read.
	publishMu sync.Mutex

	mu    sync.Mutex
	state pageState
}

// pageState is guarded by Controller.mu.
type pageState struct {
	screen     Screen
	status     Status
	busy       Busy
	createRoom Modal
	recovery   Modal

	session  *session
	selected ref.RoomID

	// Rendered fragments.
	roomsHTML      string
	headerHTML     string
	messagesHTML   string
	dataHTML       string
	hasMoreHistory bool
}

// session is one login's live resources.
type session struct {
	result *BootstrapResult
	client *syncclient.Client

	// ctx lives until logout. Background work started by actions
	// (waiting for a created room, the recovery close timer) uses it.
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Controller.mu.
	prepared        bool
	removeListeners []func()
	recoveryTimer   *clock.Timer

	background sync.WaitGroup
}

// NewController creates a controller on the login screen.
func NewController(config ControllerConfig) (*Controller, error) {
	if config.Bootstrapper == nil {
		return nil, fmt.Errorf("app: bootstrapper is required")
	}
	if config.Renderer == nil {
		return nil, fmt.Errorf("app: renderer is required")
	}
	controller := &Controller{
		bootstrapper:       config.Bootstrapper,
		renderer:           config.Renderer,
		publisher:          config.Publisher,
		clock:              config.Clock,
		logger:             config.Logger,
		location:           config.Location,
		recoveryCloseDelay: config.RecoveryCloseDelay,
		roomVisibleTimeout: config.RoomVisibleTimeout,
		state:              pageState{screen: ScreenLogin},
	}
	if controller.publisher == nil {
		controller.publisher = PublisherFunc(func(View) {})
	}
	if controller.clock == nil {
		controller.clock = clock.Real()
	}
	if controller.logger == nil {
		controller.logger = slog.Default()
	}
	if controller.location == nil {
		controller.location = time.Local
	}
	return controller, nil
}

// View returns the current page state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	view := View{
		Screen:     c.state.screen,
		Status:     c.state.status,
		Busy:       c.state.busy,
		CreateRoom: c.state.createRoom,
		Recovery:   c.state.recovery,
	}
	if c.state.screen != ScreenMain || c.state.session == nil {
		return view
	}
	view.UserID = c.state.session.result.Session.UserID().String()
	view.DeviceID = c.state.session.result.Session.DeviceID().String()
	view.Rooms = c.state.roomsHTML
	if !c.state.selected.IsZero() {
		view.Room = &RoomView{
			RoomID:         c.state.selected.String(),
			Header:         c.state.headerHTML,
			Messages:       c.state.messagesHTML,
			Data:           c.state.dataHTML,
			HasMoreHistory: c.state.hasMoreHistory,
		}
	}
	return view
}

// errorMessage picks the text shown for a failure: the homeserver's
// own message for Matrix errors, else the error text.
func errorMessage(err error) string {
	if err == nil {
		return "Unknown error"
	}
	var matrixErr *messaging.MatrixError
	if errors.As(err, &matrixErr) && matrixErr.Message != "" {
		return matrixErr.Message
	}
	if message := err.Error(); message != "" {
		return message
	}
	return "Unknown error"
}

// update applies mutate under the lock and publishes the result.
func (c *Controller) update(mutate func(state *pageState)) {
	c.mu.Lock()
	mutate(&c.state)
	c.mu.Unlock()
	c.refresh(0)
}

// activeSession returns the session if one is logged in and its first
// sync is done.
func (c *Controller) activeSession() (*session, ref.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.session == nil || !c.state.session.prepared {
		return nil, ref.RoomID{}
	}
	return c.state.session, c.state.selected
}

// Login runs the bootstrap sequence. The main screen appears when the
// first sync completes, which may be after Login returns.
func (c *Controller) Login(ctx context.Context, username, password string) ActionResult {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)

	c.mu.Lock()
	if c.state.session != nil {
		c.mu.Unlock()
		return ActionResult{Error: "already logged in"}
	}
	if c.state.busy.Login {
		c.mu.Unlock()
		return ActionResult{Error: "login already in progress"}
	}
	if username == "" || password == "" {
		c.state.status = Status{Text: StatusMissingCredentials, Kind: StatusError}
		c.mu.Unlock()
		c.refresh(0)
		return ActionResult{Error: StatusMissingCredentials}
	}
	c.state.busy.Login = true
	c.state.status = Status{Text: StatusConnecting, Kind: StatusInfo}
	c.mu.Unlock()
	c.refresh(0)

	defer c.update(func(state *pageState) { state.busy.Login = false })

	fail := func(err error) ActionResult {
		message := "Connection failed: " + errorMessage(err)
		c.logger.Error("login failed", "error", err)
		c.update(func(state *pageState) {
			state.status = Status{Text: message, Kind: StatusError}
		})
		return ActionResult{Error: message}
	}

	userID, err := QualifyUsername(username, c.bootstrapper.ServerName())
	if err != nil {
		return fail(err)
	}
	passwordBuffer, err := secret.NewFromString(password)
	if err != nil {
		return fail(err)
	}
	defer passwordBuffer.Close()

	sessionCtx, cancel := context.WithCancel(context.Background())
	sess := &session{ctx: sessionCtx, cancel: cancel}
	onPrepared := func() { c.onPrepared(sess) }

	bootstrapper := c.bootstrapper.withProgress(func(step string) {
		c.update(func(state *pageState) {
			state.status = Status{Text: step, Kind: StatusInfo}
		})
	})
	result, err := bootstrapper.Login(ctx, userID, passwordBuffer, onPrepared)
	if err != nil {
		cancel()
		return fail(err)
	}
	sess.result = result
	sess.client = result.Client

	sess.removeListeners = append(sess.removeListeners,
		result.Client.OnTimeline(func(notification syncclient.TimelineNotification) {
			c.onTimeline(sess, notification)
		}),
		result.Client.OnRoom(func(syncclient.RoomSummary) {
			c.onRoom(sess)
		}),
	)

	c.mu.Lock()
	c.state.session = sess
	prepared := sess.prepared
	if prepared {
		c.showMainLocked(sess)
	}
	c.mu.Unlock()

	if prepared {
		c.refresh(partRooms)
	} else {
		c.refresh(0)
	}
	return ActionResult{OK: true, Clear: []string{InputPassword}}
}

// withProgress returns a copy of the bootstrapper reporting steps to
// progress.
func (b *Bootstrapper) withProgress(progress func(string)) *Bootstrapper {
	clone := *b
	clone.config.Progress = progress
	return &clone
}

func (c *Controller) showMainLocked(sess *session) {
	c.state.screen = ScreenMain
	c.state.status = Status{
		Text: "Connected as " + sess.result.Session.UserID().String(),
		Kind: StatusSuccess,
	}
}

// onPrepared runs on the sync goroutine after the first sync.
func (c *Controller) onPrepared(sess *session) {
	c.mu.Lock()
	sess.prepared = true
	active := c.state.session == sess
	if active {
		c.showMainLocked(sess)
	}
	c.mu.Unlock()
	if active {
		c.refresh(partRooms)
	}
}

// onTimeline re-renders the selected room's views for live events.
// Back-paginated events are ignored; LoadOlder refreshes explicitly.
func (c *Controller) onTimeline(sess *session, notification syncclient.TimelineNotification) {
	if notification.ToStartOfTimeline {
		return
	}
	c.mu.Lock()
	relevant := c.state.session == sess && sess.prepared &&
		!c.state.selected.IsZero() && notification.RoomID == c.state.selected
	c.mu.Unlock()
	if !relevant {
		return
	}
	parts := partMessages
	if notification.Entry.Type == schema.EventTypeDataRecord {
		parts |= partData
	}
	c.refresh(parts)
}

// onRoom re-renders the room list when a room first appears.
func (c *Controller) onRoom(sess *session) {
	c.mu.Lock()
	relevant := c.state.session == sess && sess.prepared
	c.mu.Unlock()
	if relevant {
		c.refresh(partRooms)
	}
}

// Logout stops syncing, closes the engine and session, and returns to
// the login screen.
func (c *Controller) Logout(ctx context.Context) ActionResult {
	c.mu.Lock()
	if c.state.busy.Login {
		c.mu.Unlock()
		return ActionResult{Error: "login in progress"}
	}
	sess := c.state.session
	c.state = pageState{
		screen: ScreenLogin,
		status: Status{Text: StatusDisconnected, Kind: StatusInfo},
	}
	if sess != nil && sess.recoveryTimer != nil {
		sess.recoveryTimer.Stop()
	}
	c.mu.Unlock()

	if sess != nil {
		for _, remove := range sess.removeListeners {
			remove()
		}
		sess.cancel()
		if err := sess.client.Close(); err != nil {
			c.logger.Warn("closing client handle", "error", err)
		}
		sess.background.Wait()
		c.logger.Info("logged out", "user_id", sess.result.Session.UserID())
	}
	c.refresh(0)
	return ActionResult{OK: true, Clear: []string{InputUsername, InputPassword}}
}

// Close logs out if needed. Called at process shutdown.
func (c *Controller) Close() {
	c.mu.Lock()
	active := c.state.session != nil
	c.mu.Unlock()
	if active {
		c.Logout(context.Background())
	}
}

// ClearKeys deletes every crypto namespace in the data directory. It
// is refused while logged in, since the active namespace is open.
func (c *Controller) ClearKeys(ctx context.Context) ActionResult {
	c.mu.Lock()
	if c.state.session != nil || c.state.busy.Login {
		c.mu.Unlock()
		return ActionResult{Error: "log out before clearing keys"}
	}
	if c.state.busy.ClearKeys {
		c.mu.Unlock()
		return ActionResult{Error: "already clearing keys"}
	}
	c.state.busy.ClearKeys = true
	c.state.status = Status{Text: StatusClearing, Kind: StatusInfo}
	c.mu.Unlock()
	c.refresh(0)

	report := c.bootstrapper.Store().DeleteMatching(ctx)

	status := Status{
		Text: fmt.Sprintf("Encryption data cleared (%d removed)! You can now login fresh.", len(report.Deleted)),
		Kind: StatusSuccess,
	}
	result := ActionResult{OK: true}
	if !report.Clean() {
		status = Status{Text: "Error clearing data: " + report.String(), Kind: StatusError}
		result = ActionResult{Error: status.Text}
	}
	c.update(func(state *pageState) {
		state.busy.ClearKeys = false
		state.status = status
	})
	return result
}

// SelectRoom makes roomID the selected room and renders its views.
func (c *Controller) SelectRoom(ctx context.Context, rawRoomID string) ActionResult {
	roomID, err := ref.ParseRoomID(rawRoomID)
	if err != nil {
		return ActionResult{Error: err.Error()}
	}
	sess, _ := c.activeSession()
	if sess == nil {
		return ActionResult{Error: ErrNotConnected.Error()}
	}
	if _, ok := sess.client.Room(roomID); !ok {
		return ActionResult{Error: fmt.Sprintf("unknown room %s", roomID)}
	}

	c.mu.Lock()
	if c.state.session != sess {
		c.mu.Unlock()
		return ActionResult{Error: ErrNotConnected.Error()}
	}
	c.state.selected = roomID
	c.mu.Unlock()

	c.refresh(partRooms | partRoom)
	return ActionResult{OK: true}
}

// Send sends text as an m.text message to the selected room.
func (c *Controller) Send(ctx context.Context, text string) ActionResult {
	text = strings.TrimSpace(text)
	sess, roomID := c.activeSession()
	if sess == nil || roomID.IsZero() || text == "" {
		return ActionResult{Error: "select a room and enter a message"}
	}
	if !c.begin(func(busy *Busy) *bool { return &busy.Send }) {
		return ActionResult{Error: "already sending"}
	}
	defer c.end(func(busy *Busy) *bool { return &busy.Send })

	if _, err := sess.client.SendMessage(ctx, roomID, messaging.NewTextMessage(text)); err != nil {
		c.logger.Error("sending message failed", "room_id", roomID, "error", err)
		message := "Failed to send message: " + errorMessage(err)
		return ActionResult{Error: message, Alert: message}
	}
	return ActionResult{OK: true, Clear: []string{InputMessage}}
}

// StoreData sends a data record to the selected room. The record shows
// up in the data view when the sync echoes it back.
func (c *Controller) StoreData(ctx context.Context, key, value string) ActionResult {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	sess, roomID := c.activeSession()
	if sess == nil || roomID.IsZero() || key == "" || value == "" {
		return ActionResult{Error: "select a room and enter a key and value"}
	}
	if !c.begin(func(busy *Busy) *bool { return &busy.StoreData }) {
		return ActionResult{Error: "already storing"}
	}
	defer c.end(func(busy *Busy) *bool { return &busy.StoreData })

	content := schema.DataRecordContent{
		Key:       key,
		Value:     value,
		Timestamp: c.clock.Now().UnixMilli(),
	}
	if _, err := sess.client.SendEvent(ctx, roomID, schema.EventTypeDataRecord, content); err != nil {
		c.logger.Error("storing data record failed", "room_id", roomID, "error", err)
		message := "Failed to store data: " + errorMessage(err)
		return ActionResult{Error: message, Alert: message}
	}
	return ActionResult{OK: true, Clear: []string{InputDataKey, InputDataValue}}
}

// RefreshData re-renders the data view of the selected room.
func (c *Controller) RefreshData(ctx context.Context) ActionResult {
	sess, roomID := c.activeSession()
	if sess == nil || roomID.IsZero() {
		return ActionResult{Error: "no room selected"}
	}
	c.refresh(partData)
	return ActionResult{OK: true}
}

// LoadOlder fetches one page of history for the selected room.
func (c *Controller) LoadOlder(ctx context.Context) ActionResult {
	sess, roomID := c.activeSession()
	if sess == nil || roomID.IsZero() {
		return ActionResult{Error: "no room selected"}
	}
	if !c.begin(func(busy *Busy) *bool { return &busy.LoadOlder }) {
		return ActionResult{Error: "already loading"}
	}
	defer c.end(func(busy *Busy) *bool { return &busy.LoadOlder })

	added, err := sess.client.Paginate(ctx, roomID, PageSize)
	if err != nil {
		message := "Failed to load older messages: " + errorMessage(err)
		return ActionResult{Error: message, Alert: message}
	}
	if added > 0 {
		c.refresh(partRoom)
	}
	return ActionResult{OK: true}
}

// OpenCreateRoom shows the room creation dialog.
func (c *Controller) OpenCreateRoom(ctx context.Context) ActionResult {
	c.update(func(state *pageState) { state.createRoom = Modal{Open: true} })
	return ActionResult{OK: true}
}

// CloseCreateRoom hides the room creation dialog and discards its
// inputs.
func (c *Controller) CloseCreateRoom(ctx context.Context) ActionResult {
	c.update(func(state *pageState) { state.createRoom = Modal{} })
	return ActionResult{OK: true, Clear: []string{InputRoomName, InputRoomTopic}}
}

// CreateRoomRequest builds the createRoom body: a private, trusted
// room, with a single m.room.encryption initial state event when
// encrypted is set and no initial state at all otherwise.
func CreateRoomRequest(name, topic string, encrypted bool) messaging.CreateRoomRequest {
	request := messaging.CreateRoomRequest{
		Name:       name,
		Topic:      topic,
		Visibility: "private",
		Preset:     "trusted_private_chat",
	}
	if encrypted {
		request.InitialState = []messaging.StateEvent{{
			Type:     schema.EventTypeEncryption,
			StateKey: "",
			Content:  schema.MegolmEncryption(),
		}}
	}
	return request
}

// CreateRoom creates a room. On success the dialog closes and the room
// list refreshes once the room arrives through sync (or the wait times
// out).
func (c *Controller) CreateRoom(ctx context.Context, name, topic string, encrypted bool) ActionResult {
	name = strings.TrimSpace(name)
	topic = strings.TrimSpace(topic)
	sess, _ := c.activeSession()
	if sess == nil {
		return ActionResult{Error: ErrNotConnected.Error()}
	}
	if name == "" {
		c.update(func(state *pageState) {
			state.createRoom.Open = true
			state.createRoom.Error = CreateRoomMissingName
		})
		return ActionResult{Error: CreateRoomMissingName}
	}
	if !c.begin(func(busy *Busy) *bool { return &busy.CreateRoom }) {
		return ActionResult{Error: "already creating a room"}
	}
	defer c.end(func(busy *Busy) *bool { return &busy.CreateRoom })

	roomID, err := sess.client.CreateRoom(ctx, CreateRoomRequest(name, topic, encrypted))
	if err != nil {
		c.logger.Error("creating room failed", "name", name, "error", err)
		message := "Failed to create room: " + errorMessage(err)
		return ActionResult{Error: message, Alert: message}
	}
	c.logger.Info("room created", "room_id", roomID, "encrypted", encrypted)

	c.update(func(state *pageState) { state.createRoom = Modal{} })

	sess.background.Add(1)
	go func() {
		defer sess.background.Done()
		err := sess.client.WaitForRoom(sess.ctx, roomID, c.roomVisibleTimeout)
		if sess.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("created room not yet visible, refreshing anyway", "room_id", roomID, "error", err)
		}
		c.onRoom(sess)
	}()

	alert := fmt.Sprintf("Room \"%s\" created successfully!", name)
	if encrypted {
		alert += " 🔒 Encrypted"
	}
	return ActionResult{OK: true, Alert: alert, Clear: []string{InputRoomName, InputRoomTopic}}
}

// OpenRecovery shows the recovery key dialog.
func (c *Controller) OpenRecovery(ctx context.Context) ActionResult {
	c.update(func(state *pageState) { state.recovery = Modal{Open: true} })
	return ActionResult{OK: true}
}

// CloseRecovery hides the recovery key dialog.
func (c *Controller) CloseRecovery(ctx context.Context) ActionResult {
	c.update(func(state *pageState) { state.recovery = Modal{} })
	return ActionResult{OK: true, Clear: []string{InputRecoveryKey}}
}

// recoveryFailureMessage maps a secret storage bootstrap error to the
// text shown in the dialog.
func recoveryFailureMessage(err error) string {
	if e2ee.IsSecretStorageMissing(err) {
		return RecoveryNoSSSS
	}
	return "Failed to restore keys: " + errorMessage(err)
}

// Recover restores cross-signing keys from secret storage with the
// user's recovery key. On success the dialog closes after the
// configured delay and the selected room's undecryptable events are
// retried.
func (c *Controller) Recover(ctx context.Context, recoveryKey string) ActionResult {
	recoveryKey = strings.TrimSpace(recoveryKey)
	sess, _ := c.activeSession()
	if sess == nil {
		return ActionResult{Error: ErrNotConnected.Error()}
	}
	if recoveryKey == "" {
		c.update(func(state *pageState) {
			state.recovery.Open = true
			state.recovery.Status = Status{Text: RecoveryMissingKey, Kind: StatusError}
		})
		return ActionResult{Error: RecoveryMissingKey}
	}
	if !c.begin(func(busy *Busy) *bool { return &busy.Restore }) {
		return ActionResult{Error: "already restoring"}
	}
	defer c.end(func(busy *Busy) *bool { return &busy.Restore })
	c.update(func(state *pageState) {
		state.recovery.Open = true
		state.recovery.Status = Status{Text: RecoveryRunning, Kind: StatusInfo}
	})

	err := syncclient.ErrCryptoNotInitialized
	if engine := sess.client.Crypto(); engine != nil {
		err = engine.BootstrapSecretStorage(ctx, e2ee.SecretStorageOptions{
			SetupNewSecretStorage: false,
			KeySupplier: func(context.Context) (string, error) {
				return recoveryKey, nil
			},
		})
	}
	if err != nil {
		c.logger.Warn("key recovery failed", "error", err)
		message := recoveryFailureMessage(err)
		c.update(func(state *pageState) {
			state.recovery.Status = Status{Text: message, Kind: StatusError}
		})
		return ActionResult{Error: message}
	}

	c.mu.Lock()
	if c.state.session == sess {
		c.state.recovery.Status = Status{Text: RecoverySucceeded, Kind: StatusSuccess}
		if sess.recoveryTimer != nil {
			sess.recoveryTimer.Stop()
		}
		sess.recoveryTimer = c.clock.AfterFunc(c.recoveryCloseDelay, func() {
			c.finishRecovery(sess)
		})
	}
	c.mu.Unlock()
	c.refresh(0)
	return ActionResult{OK: true}
}

// finishRecovery closes the dialog and retries decryption in the
// selected room.
func (c *Controller) finishRecovery(sess *session) {
	c.mu.Lock()
	if c.state.session != sess {
		c.mu.Unlock()
		return
	}
	c.state.recovery = Modal{}
	sess.recoveryTimer = nil
	roomID := c.state.selected
	c.mu.Unlock()

	if !roomID.IsZero() {
		if fixed := sess.client.RetryDecryption(sess.ctx, roomID); fixed > 0 {
			c.logger.Info("decrypted events after key recovery", "room_id", roomID, "count", fixed)
		}
	}
	c.refresh(partRoom)
}

// begin marks a control busy. It returns false if it already was.
func (c *Controller) begin(flag func(*Busy) *bool) bool {
	c.mu.Lock()
	busy := flag(&c.state.busy)
	if *busy {
		c.mu.Unlock()
		return false
	}
	*busy = true
	c.mu.Unlock()
	c.refresh(0)
	return true
}

// end clears a busy flag set by begin.
func (c *Controller) end(flag func(*Busy) *bool) {
	c.update(func(state *pageState) { *flag(&state.busy) = false })
}

// renderPart selects which cached fragments refresh recomputes.
type renderPart uint8

const (
	partRooms renderPart = 1 << iota
	partHeader
	partMessages
	partData

	partRoom = partHeader | partMessages | partData
)

// refresh re-renders the requested fragments from the handle and
// publishes the resulting view. Zero parts just publishes.
func (c *Controller) refresh(parts renderPart) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	sess := c.state.session
	selected := c.state.selected
	c.mu.Unlock()

	var fragments renderedFragments
	if sess != nil && parts != 0 {
		fragments = c.render(sess.client, selected, parts)
	}

	c.mu.Lock()
	if c.state.session == sess && c.state.selected == selected {
		fragments.apply(&c.state)
	}
	view := c.viewLocked()
	c.mu.Unlock()

	c.publisher.Publish(view)
}

type renderedFragments struct {
	parts          renderPart
	rooms          string
	header         string
	messages       string
	data           string
	hasMoreHistory bool
}

func (f renderedFragments) apply(state *pageState) {
	if f.parts&partRooms != 0 {
		state.roomsHTML = f.rooms
	}
	if f.parts&partHeader != 0 {
		state.headerHTML = f.header
		state.hasMoreHistory = f.hasMoreHistory
	}
	if f.parts&partMessages != 0 {
		state.messagesHTML = f.messages
	}
	if f.parts&partData != 0 {
		state.dataHTML = f.data
	}
}

// render computes fragments without holding the controller lock.
// Fragments that fail to render are left out of the result so the
// previous rendering stays.
func (c *Controller) render(client *syncclient.Client, selected ref.RoomID, parts renderPart) renderedFragments {
	var fragments renderedFragments
	keep := func(part renderPart, html string, err error) string {
		if err != nil {
			c.logger.Error("rendering view fragment failed", "error", err)
			return ""
		}
		fragments.parts |= part
		return html
	}

	if parts&partRooms != 0 {
		html, err := c.renderer.Rooms(timeline.Rooms(client.Rooms(), selected))
		fragments.rooms = keep(partRooms, html, err)
	}
	if selected.IsZero() {
		return fragments
	}
	if parts&partHeader != 0 {
		summary, _ := client.Room(selected)
		html, err := c.renderer.Header(timeline.RoomHeader(summary))
		fragments.header = keep(partHeader, html, err)
		fragments.hasMoreHistory = summary.HasMoreHistory
	}
	if parts&(partMessages|partData) == 0 {
		return fragments
	}
	entries := client.Timeline(selected)
	if parts&partMessages != 0 {
		html, err := c.renderer.Messages(timeline.Messages(entries, c.location))
		fragments.messages = keep(partMessages, html, err)
	}
	if parts&partData != 0 {
		html, err := c.renderer.DataRecords(timeline.DataRecords(entries, c.location))
		fragments.data = keep(partData, html, err)
	}
	return fragments
}
