// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP and connection I/O helpers shared by
// the homeserver client and the local web UI.
//
// ReadResponse and DecodeResponse bound response body reads at
// MaxResponseSize. They are for JSON API responses (the Matrix
// client-server API, the web UI's action endpoints), not for streamed
// or binary downloads.
//
// IsExpectedCloseError classifies errors produced by normal connection
// teardown, including websocket close frames sent by a browser tab
// that navigates away.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response reads at 64 MB. An initial
// /sync for an account in many rooms is the largest response hyphae
// reads and stays well below this.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded response body and JSON-decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}
