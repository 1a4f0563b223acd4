// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/bureau-foundation/hyphae/lib/timeline"
)

//go:embed templates/*.html
var templateFiles embed.FS

// Fragment names, one per region of the page.
const (
	FragmentRooms    = "rooms"
	FragmentHeader   = "header"
	FragmentMessages = "messages"
	FragmentData     = "data"
)

// HTML renders page fragments. Safe for concurrent use.
type HTML struct {
	templates *template.Template
}

// NewHTML parses the embedded fragment templates.
func NewHTML() (*HTML, error) {
	templates, err := template.New("fragments").ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("render: parsing templates: %w", err)
	}
	for _, name := range []string{FragmentRooms, FragmentHeader, FragmentMessages, FragmentData} {
		if templates.Lookup(name) == nil {
			return nil, fmt.Errorf("render: template %q not defined", name)
		}
	}
	return &HTML{templates: templates}, nil
}

// Rooms renders the room directory.
func (h *HTML) Rooms(list timeline.RoomList) (string, error) {
	return h.execute(FragmentRooms, list)
}

// Header renders the selected room's title bar.
func (h *HTML) Header(header timeline.Header) (string, error) {
	return h.execute(FragmentHeader, header)
}

// Messages renders the message list.
func (h *HTML) Messages(list timeline.MessageList) (string, error) {
	return h.execute(FragmentMessages, list)
}

// DataRecords renders the data record list.
func (h *HTML) DataRecords(list timeline.DataList) (string, error) {
	return h.execute(FragmentData, list)
}

func (h *HTML) execute(name string, data any) (string, error) {
	var buffer bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buffer, name, data); err != nil {
		return "", fmt.Errorf("render: executing %s: %w", name, err)
	}
	return buffer.String(), nil
}
