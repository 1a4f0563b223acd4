// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// DeviceID is a Matrix device identifier. Device IDs are opaque
// server-assigned strings with no structure to validate; the type
// keeps them apart from user IDs and access tokens at compile time.
type DeviceID struct {
	id string
}

// ParseDeviceID wraps a raw device ID. Returns an error if empty.
func ParseDeviceID(raw string) (DeviceID, error) {
	if raw == "" {
		return DeviceID{}, fmt.Errorf("device ID is empty")
	}
	return DeviceID{id: raw}, nil
}

func (d DeviceID) String() string { return d.id }

// IsZero reports whether the DeviceID is unset.
func (d DeviceID) IsZero() bool { return d.id == "" }

// Prefix returns at most the first n bytes of the device ID.
func (d DeviceID) Prefix(n int) string {
	if len(d.id) <= n {
		return d.id
	}
	return d.id[:n]
}

// MarshalText implements encoding.TextMarshaler.
func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (d *DeviceID) UnmarshalText(data []byte) error {
	*d = DeviceID{id: string(data)}
	return nil
}
