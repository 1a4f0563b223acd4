// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"time"

	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/schema"
	"github.com/bureau-foundation/hyphae/lib/syncclient"
)

// TimestampLayout is the display format for message and record times.
const TimestampLayout = "2006-01-02 15:04:05"

// Placeholder texts for empty lists.
const (
	NoMessages    = "No messages yet. Be the first to say something!"
	NoDataRecords = "No data stored yet"
	NoRooms       = "No rooms found. Create or join a room to get started!"
)

// UndecryptableBody replaces the body of a message with no readable
// text, typically because its megolm session key is missing.
const UndecryptableBody = "[Unable to decrypt]"

// UnnamedRoom is shown for rooms with no m.room.name.
const UnnamedRoom = "Unnamed Room"

// Message is one chat line.
type Message struct {
	EventID   ref.EventID
	Sender    ref.UserID
	Body      string
	Time      time.Time
	Timestamp string

	// Encrypted is true when the event arrived as m.room.encrypted,
	// whether or not it decrypted.
	Encrypted bool

	// Undecryptable is true when decryption failed.
	Undecryptable bool
}

// MessageList is the projected message view. Placeholder is set
// exactly when Items is empty.
type MessageList struct {
	Items       []Message
	Placeholder string
}

// Messages selects m.room.message entries and entries that could not
// be decrypted, in stored order. Times are formatted in location; nil
// means time.Local.
func Messages(entries []syncclient.Entry, location *time.Location) MessageList {
	if location == nil {
		location = time.Local
	}
	var items []Message
	for _, entry := range entries {
		undecryptable := entry.Undecryptable()
		if entry.Type != schema.EventTypeMessage && !undecryptable {
			continue
		}
		body, ok := entry.Content["body"].(string)
		if !ok || undecryptable {
			body = UndecryptableBody
		}
		when := time.UnixMilli(entry.OriginServerTS).In(location)
		items = append(items, Message{
			EventID:       entry.EventID,
			Sender:        entry.Sender,
			Body:          body,
			Time:          when,
			Timestamp:     when.Format(TimestampLayout),
			Encrypted:     entry.Encrypted,
			Undecryptable: undecryptable,
		})
	}
	if len(items) == 0 {
		return MessageList{Placeholder: NoMessages}
	}
	return MessageList{Items: items}
}

// DataRecord is one stored key/value pair.
type DataRecord struct {
	EventID   ref.EventID
	Key       string
	Value     string
	Sender    ref.UserID
	Time      time.Time
	Timestamp string
}

// DataList is the projected data view. Placeholder is set exactly
// when Items is empty.
type DataList struct {
	Items       []DataRecord
	Placeholder string
}

// DataRecords selects com.hyphae.data.record entries, newest arrival
// first. A record's time is its content timestamp when present and
// non-zero, else the event's origin_server_ts.
func DataRecords(entries []syncclient.Entry, location *time.Location) DataList {
	if location == nil {
		location = time.Local
	}
	var items []DataRecord
	for index := len(entries) - 1; index >= 0; index-- {
		entry := entries[index]
		if entry.Type != schema.EventTypeDataRecord {
			continue
		}
		millis := contentMillis(entry.Content["timestamp"])
		if millis == 0 {
			millis = entry.OriginServerTS
		}
		key, _ := entry.Content["key"].(string)
		value, _ := entry.Content["value"].(string)
		when := time.UnixMilli(millis).In(location)
		items = append(items, DataRecord{
			EventID:   entry.EventID,
			Key:       key,
			Value:     value,
			Sender:    entry.Sender,
			Time:      when,
			Timestamp: when.Format(TimestampLayout),
		})
	}
	if len(items) == 0 {
		return DataList{Placeholder: NoDataRecords}
	}
	return DataList{Items: items}
}

// contentMillis reads a JSON number decoded into map[string]any.
func contentMillis(value any) int64 {
	switch number := value.(type) {
	case float64:
		return int64(number)
	case int64:
		return number
	case int:
		return int64(number)
	}
	return 0
}

// Room is one entry of the room directory.
type Room struct {
	RoomID    ref.RoomID
	Name      string
	Encrypted bool
	Selected  bool
}

// RoomList is the projected room directory.
type RoomList struct {
	Items       []Room
	Placeholder string
}

// Rooms builds the directory from summaries, keeping their order.
// selected may be the zero RoomID.
func Rooms(summaries []syncclient.RoomSummary, selected ref.RoomID) RoomList {
	items := make([]Room, 0, len(summaries))
	for _, summary := range summaries {
		items = append(items, Room{
			RoomID:    summary.RoomID,
			Name:      RoomName(summary),
			Encrypted: summary.Encrypted,
			Selected:  !selected.IsZero() && summary.RoomID == selected,
		})
	}
	if len(items) == 0 {
		return RoomList{Placeholder: NoRooms}
	}
	return RoomList{Items: items}
}

// RoomName returns the display name of a room.
func RoomName(summary syncclient.RoomSummary) string {
	if summary.Name == "" {
		return UnnamedRoom
	}
	return summary.Name
}

// Header is the selected room's title bar.
type Header struct {
	Name      string
	Encrypted bool
}

// RoomHeader builds the header for the selected room.
func RoomHeader(summary syncclient.RoomSummary) Header {
	return Header{Name: RoomName(summary), Encrypted: summary.Encrypted}
}
