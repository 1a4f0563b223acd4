// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package webui

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

//go:embed static
var staticFiles embed.FS

// NewRouter builds the page routes:
//
//	GET  /               the page
//	GET  /static/...     page assets
//	GET  /ws             the view push channel
//	POST /api/{action}   controller actions
func NewRouter(actions Actions, hub *Hub, logger *slog.Logger) (*mux.Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	index, err := fs.ReadFile(assets, "index.html")
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.HandleFunc("/", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "text/html; charset=utf-8")
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Security-Policy",
			"default-src 'self'; connect-src 'self'; style-src 'self'; script-src 'self'; frame-ancestors 'none'")
		writer.Write(index)
	}).Methods(http.MethodGet)
	router.Handle("/ws", hub).Methods(http.MethodGet)
	router.Handle("/api/{action}", &actionHandler{actions: actions, logger: logger}).Methods(http.MethodPost)
	router.PathPrefix("/static/").Handler(
		http.StripPrefix("/static/", http.FileServer(http.FS(assets))),
	).Methods(http.MethodGet)
	return router, nil
}
