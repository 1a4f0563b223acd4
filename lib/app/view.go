// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package app

// Screen is the top-level page state.
type Screen string

const (
	ScreenLogin Screen = "login"
	ScreenMain  Screen = "main"
)

// StatusKind selects the styling of a status line.
type StatusKind string

const (
	StatusInfo    StatusKind = "info"
	StatusSuccess StatusKind = "success"
	StatusError   StatusKind = "error"
)

// Status is a one-line message shown to the user. The zero value is
// hidden.
type Status struct {
	Text string     `json:"text,omitempty"`
	Kind StatusKind `json:"kind,omitempty"`
}

// Input names identify page fields an [ActionResult] asks the page to
// clear.
const (
	InputUsername    = "username"
	InputPassword    = "password"
	InputMessage     = "message"
	InputDataKey     = "data-key"
	InputDataValue   = "data-value"
	InputRoomName    = "room-name"
	InputRoomTopic   = "room-topic"
	InputRecoveryKey = "recovery-key"
)

// Busy lists the controls disabled while their action runs. Each flag
// is cleared when the action finishes, whatever its outcome.
type Busy struct {
	Login      bool `json:"login"`
	ClearKeys  bool `json:"clear_keys"`
	Send       bool `json:"send"`
	StoreData  bool `json:"store_data"`
	CreateRoom bool `json:"create_room"`
	Restore    bool `json:"restore"`
	LoadOlder  bool `json:"load_older"`
}

// Modal is the state of a dialog.
type Modal struct {
	Open   bool   `json:"open"`
	Error  string `json:"error,omitempty"`
	Status Status `json:"status"`
}

// RoomView holds the selected room's rendered fragments.
type RoomView struct {
	RoomID         string `json:"room_id"`
	Header         string `json:"header_html"`
	Messages       string `json:"messages_html"`
	Data           string `json:"data_html"`
	HasMoreHistory bool   `json:"has_more_history"`
}

// View is everything the page displays. HTML fields are rendered
// fragments, already escaped.
type View struct {
	Screen   Screen    `json:"screen"`
	Status   Status    `json:"status"`
	UserID   string    `json:"user_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	Rooms    string    `json:"rooms_html"`
	Room     *RoomView `json:"room,omitempty"`
	Busy     Busy      `json:"busy"`

	CreateRoom Modal `json:"create_room"`
	Recovery   Modal `json:"recovery"`
}

// ActionResult is returned by every controller action.
type ActionResult struct {
	OK bool `json:"ok"`

	// Error describes why the action did not happen or failed.
	Error string `json:"error,omitempty"`

	// Alert is a blocking message for the page to show.
	Alert string `json:"alert,omitempty"`

	// Clear lists Input* fields to empty.
	Clear []string `json:"clear,omitempty"`
}

// Publisher receives every new view. Publish must not block for long:
// it is called from action goroutines and from the sync goroutine.
type Publisher interface {
	Publish(view View)
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(View)

// Publish calls f(view).
func (f PublisherFunc) Publish(view View) { f(view) }
