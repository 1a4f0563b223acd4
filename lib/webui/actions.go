// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package webui

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bureau-foundation/hyphae/lib/app"
)

// maxActionBodySize bounds an action request. The largest field is a
// message body typed into the compose box.
const maxActionBodySize = 1 << 20

// Actions is the controller surface the action API drives.
// *app.Controller implements it.
type Actions interface {
	View() app.View
	Login(ctx context.Context, username, password string) app.ActionResult
	Logout(ctx context.Context) app.ActionResult
	ClearKeys(ctx context.Context) app.ActionResult
	SelectRoom(ctx context.Context, roomID string) app.ActionResult
	Send(ctx context.Context, text string) app.ActionResult
	StoreData(ctx context.Context, key, value string) app.ActionResult
	RefreshData(ctx context.Context) app.ActionResult
	LoadOlder(ctx context.Context) app.ActionResult
	OpenCreateRoom(ctx context.Context) app.ActionResult
	CloseCreateRoom(ctx context.Context) app.ActionResult
	CreateRoom(ctx context.Context, name, topic string, encrypted bool) app.ActionResult
	OpenRecovery(ctx context.Context) app.ActionResult
	CloseRecovery(ctx context.Context) app.ActionResult
	Recover(ctx context.Context, recoveryKey string) app.ActionResult
}

var _ Actions = (*app.Controller)(nil)

// actionRequest is the union of every action's fields. Each action
// reads the ones it needs.
type actionRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	RoomID      string `json:"room_id"`
	Text        string `json:"text"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	Name        string `json:"name"`
	Topic       string `json:"topic"`
	Encrypted   bool   `json:"encrypted"`
	RecoveryKey string `json:"recovery_key"`
}

type actionFunc func(ctx context.Context, actions Actions, request actionRequest) app.ActionResult

// actionTable maps /api/{action} names to controller calls.
var actionTable = map[string]actionFunc{
	"login": func(ctx context.Context, actions Actions, request actionRequest) app.ActionResult {
		return actions.Login(ctx, request.Username, request.Password)
	},
	"logout": func(ctx context.Context, actions Actions, _ actionRequest) app.ActionResult {
		return actions.Logout(ctx)
	},
	"clear-keys": func(ctx context.Context, actions Actions, _ actionRequest) app.ActionResult {
		return actions.ClearKeys(ctx)
	},
	"select-room": func(ctx context.Context, actions Actions, request actionRequest) app.ActionResult {
		return actions.SelectRoom(ctx, request.RoomID)
	},
	"send": func(ctx context.Context, actions Actions, request actionRequest) app.ActionResult {
		return actions.Send(ctx, request.Text)
	},
	"store-data": func(ctx context.Context, actions Actions, request actionRequest) app.ActionResult {
		return actions.StoreData(ctx, request.Key, request.Value)
	},
	"refresh-data": func(ctx context.Context, actions Actions, _ actionRequest) app.ActionResult {
		return actions.RefreshData(ctx)
	},
	"load-older": func(ctx context.Context, actions Actions, _ actionRequest) app.ActionResult {
		return actions.LoadOlder(ctx)
	},
	"open-create-room": func(ctx context.Context, actions Actions, _ actionRequest) app.ActionResult {
		return actions.OpenCreateRoom(ctx)
	},
	"close-create-room": func(ctx context.Context, actions Actions, _ actionRequest) app.ActionResult {
		return actions.CloseCreateRoom(ctx)
	},
	"create-room": func(ctx context.Context, actions Actions, request actionRequest) app.ActionResult {
		return actions.CreateRoom(ctx, request.Name, request.Topic, request.Encrypted)
	},
	"open-recovery": func(ctx context.Context, actions Actions, _ actionRequest) app.ActionResult {
		return actions.OpenRecovery(ctx)
	},
	"close-recovery": func(ctx context.Context, actions Actions, _ actionRequest) app.ActionResult {
		return actions.CloseRecovery(ctx)
	},
	"recover": func(ctx context.Context, actions Actions, request actionRequest) app.ActionResult {
		return actions.Recover(ctx, request.RecoveryKey)
	},
}

// actionHandler serves POST /api/{action}. Requests must carry a JSON
// content type, which keeps cross-origin form posts from reaching the
// controller without a CORS preflight.
type actionHandler struct {
	actions Actions
	logger  *slog.Logger
}

func (h *actionHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	name := mux.Vars(request)["action"]
	action, ok := actionTable[name]
	if !ok {
		writeResult(writer, http.StatusNotFound, app.ActionResult{Error: "unknown action " + name})
		return
	}

	mediaType, _, err := mime.ParseMediaType(request.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeResult(writer, http.StatusUnsupportedMediaType, app.ActionResult{Error: "expected application/json"})
		return
	}

	var body actionRequest
	data, err := io.ReadAll(io.LimitReader(request.Body, maxActionBodySize+1))
	if err != nil {
		writeResult(writer, http.StatusBadRequest, app.ActionResult{Error: "reading request body"})
		return
	}
	if len(data) > maxActionBodySize {
		writeResult(writer, http.StatusRequestEntityTooLarge, app.ActionResult{Error: "request body too large"})
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeResult(writer, http.StatusBadRequest, app.ActionResult{Error: "invalid JSON: " + err.Error()})
			return
		}
	}

	h.logger.Debug("action", "action", name)
	writeResult(writer, http.StatusOK, action(request.Context(), h.actions, body))
}

func writeResult(writer http.ResponseWriter, status int, result app.ActionResult) {
	writer.Header().Set("Content-Type", "application/json")
	writer.Header().Set("Cache-Control", "no-store")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(result)
}
