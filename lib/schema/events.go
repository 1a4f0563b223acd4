// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "github.com/bureau-foundation/hyphae/lib/ref"

// Standard Matrix event types.
const (
	EventTypeMessage    ref.EventType = "m.room.message"
	EventTypeEncrypted  ref.EventType = "m.room.encrypted"
	EventTypeEncryption ref.EventType = "m.room.encryption"
	EventTypeRoomName   ref.EventType = "m.room.name"
	EventTypeRoomTopic  ref.EventType = "m.room.topic"
	EventTypeMember     ref.EventType = "m.room.member"
	EventTypeCreate     ref.EventType = "m.room.create"
)

// EventTypeDataRecord is the timeline event type carrying one
// key/value pair. Records are never edited or redacted by hyphae: a
// later record with the same key is simply another entry, and the
// data view lists every record newest first.
//
// Content: DataRecordContent
const EventTypeDataRecord ref.EventType = "com.hyphae.data.record"

// MsgTypeText is the msgtype of plain text messages.
const MsgTypeText = "m.text"

// AlgorithmMegolm is the room encryption algorithm set on rooms created
// with encryption enabled.
const AlgorithmMegolm = "m.megolm.v1.aes-sha2"

// Membership values from m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// DataRecordContent is the content of an EventTypeDataRecord event.
// Timestamp is milliseconds since the Unix epoch at the moment the
// record was stored, which may differ from the event's
// origin_server_ts by the send latency.
type DataRecordContent struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// EncryptionContent is the content of an m.room.encryption state
// event.
type EncryptionContent struct {
	Algorithm string `json:"algorithm"`
}

// MegolmEncryption returns the encryption content used when creating
// encrypted rooms.
func MegolmEncryption() EncryptionContent {
	return EncryptionContent{Algorithm: AlgorithmMegolm}
}

// MemberContent is the subset of m.room.member content hyphae reads.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
}

// RoomNameContent is the content of an m.room.name state event.
type RoomNameContent struct {
	Name string `json:"name"`
}
