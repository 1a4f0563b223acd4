// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/hyphae/lib/timeline"
)

// Palette holds the ANSI 256-color codes used by [Terminal].
type Palette struct {
	Text      lipgloss.Color
	Faint     lipgloss.Color
	Sender    lipgloss.Color
	Header    lipgloss.Color
	Encrypted lipgloss.Color
	Warning   lipgloss.Color
	Selected  lipgloss.Color
}

// DefaultPalette is tuned for dark terminal backgrounds.
var DefaultPalette = Palette{
	Text:      lipgloss.Color("252"),
	Faint:     lipgloss.Color("243"),
	Sender:    lipgloss.Color("75"),
	Header:    lipgloss.Color("255"),
	Encrypted: lipgloss.Color("114"),
	Warning:   lipgloss.Color("214"),
	Selected:  lipgloss.Color("229"),
}

// Terminal renders projections as styled text lines.
type Terminal struct {
	Palette Palette

	// Renderer selects the color profile. Nil uses lipgloss's default
	// renderer, which detects the profile from stdout.
	Renderer *lipgloss.Renderer
}

func (t Terminal) style() lipgloss.Style {
	if t.Renderer != nil {
		return t.Renderer.NewStyle()
	}
	return lipgloss.NewStyle()
}

// sanitize removes escape sequences and flattens newlines so event
// text occupies exactly one styled line.
func sanitize(text string) string {
	text = ansi.Strip(text)
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ").Replace(text)
}

// Header renders the room title line.
func (t Terminal) Header(header timeline.Header) string {
	title := t.style().Bold(true).Foreground(t.Palette.Header).Render(sanitize(header.Name))
	badge := t.style().Foreground(t.Palette.Faint).Render("🔓")
	if header.Encrypted {
		badge = t.style().Foreground(t.Palette.Encrypted).Render("🔒")
	}
	return title + " " + badge
}

// Rooms renders the room directory, marking the selected room.
func (t Terminal) Rooms(list timeline.RoomList) string {
	if list.Placeholder != "" {
		return t.style().Foreground(t.Palette.Faint).Italic(true).Render(list.Placeholder)
	}
	lines := make([]string, 0, len(list.Items))
	for _, room := range list.Items {
		marker := "  "
		nameStyle := t.style().Foreground(t.Palette.Text)
		if room.Selected {
			marker = "> "
			nameStyle = nameStyle.Foreground(t.Palette.Selected).Bold(true)
		}
		line := marker + nameStyle.Render(sanitize(room.Name))
		if room.Encrypted {
			line += " " + t.style().Foreground(t.Palette.Encrypted).Render("🔒")
		}
		line += " " + t.style().Foreground(t.Palette.Faint).Render(room.RoomID.String())
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Messages renders one line per message.
func (t Terminal) Messages(list timeline.MessageList) string {
	if list.Placeholder != "" {
		return t.style().Foreground(t.Palette.Faint).Italic(true).Render(list.Placeholder)
	}
	lines := make([]string, 0, len(list.Items))
	for _, message := range list.Items {
		bodyStyle := t.style().Foreground(t.Palette.Text)
		if message.Undecryptable {
			bodyStyle = t.style().Foreground(t.Palette.Warning).Italic(true)
		}
		line := t.style().Foreground(t.Palette.Faint).Render(message.Timestamp) + " " +
			t.style().Foreground(t.Palette.Sender).Render(sanitize(message.Sender.String())) + " "
		if message.Encrypted {
			line += t.style().Foreground(t.Palette.Encrypted).Render("🔒") + " "
		}
		line += bodyStyle.Render(sanitize(message.Body))
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// DataRecords renders one line per record, newest first.
func (t Terminal) DataRecords(list timeline.DataList) string {
	if list.Placeholder != "" {
		return t.style().Foreground(t.Palette.Faint).Italic(true).Render(list.Placeholder)
	}
	lines := make([]string, 0, len(list.Items))
	for _, record := range list.Items {
		lines = append(lines,
			t.style().Foreground(t.Palette.Faint).Render(record.Timestamp)+" "+
				t.style().Bold(true).Foreground(t.Palette.Header).Render(sanitize(record.Key))+" = "+
				t.style().Foreground(t.Palette.Text).Render(sanitize(record.Value))+" "+
				t.style().Foreground(t.Palette.Sender).Render(sanitize(record.Sender.String())))
	}
	return strings.Join(lines, "\n")
}
