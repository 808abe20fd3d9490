// SPDX-FileCopyrightText: Copyright 2026 Relaymesh Authors
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DeviceCodePrefix marks device codes so logs and bug reports identify the
// credential kind without revealing validity.
const DeviceCodePrefix = "dc_"

// userCodeAlphabet excludes easily-confused characters; the user types the
// code by hand on a second device.
const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"

// userCodeLength is the number of characters in a user code.
const userCodeLength = 8

// NewDeviceCode generates the long random code the device polls with.
func NewDeviceCode() string {
	return DeviceCodePrefix + randomURLSafe(32)
}

// NewUserCode generates the short code the human types to approve a
// device-code grant.
func NewUserCode() string {
	buf := make([]byte, userCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	return string(buf)
}

// randomURLSafe returns n random bytes base64url-encoded without padding.
func randomURLSafe(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
