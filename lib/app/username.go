// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"strings"
)

// DefaultServerName qualifies bare usernames when no server name is
// configured.
const DefaultServerName = "hyphae.social"

// QualifyUsername turns what the user typed into a Matrix user ID. A
// name containing ':' is assumed to be qualified already and is
// returned unchanged. Otherwise the first '@' is removed and the
// result is wrapped as @name:serverName.
func QualifyUsername(username, serverName string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("app: username is required")
	}
	if strings.Contains(username, ":") {
		return username, nil
	}
	if serverName == "" {
		serverName = DefaultServerName
	}
	localpart := strings.Replace(username, "@", "", 1)
	return "@" + localpart + ":" + serverName, nil
}
