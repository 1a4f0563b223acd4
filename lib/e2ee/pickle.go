// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PickleKeySize is the length of the key that encrypts pickled Olm
// state in the crypto store.
const PickleKeySize = 32

// pickleKeySalt domain-separates pickle keys from any other use of the
// configured secret.
var pickleKeySalt = []byte("hyphae e2ee pickle key v1")

// PickleKey derives the pickle key for one storage namespace with
// HKDF-SHA256. Each namespace gets a distinct key even when secret is
// empty.
func PickleKey(secret []byte, namespace string) ([]byte, error) {
	if namespace == "" {
		return nil, fmt.Errorf("e2ee: pickle key needs a namespace")
	}
	reader := hkdf.New(sha256.New, secret, pickleKeySalt, []byte(namespace))
	key := make([]byte, PickleKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("e2ee: deriving pickle key: %w", err)
	}
	return key, nil
}
