// Package auth issues and verifies the identifiers tunneld hands out: signed
// session tokens, device activation codes, device ids, and request
// correlation ids.
package auth

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const deviceCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DeviceCodeLength is the number of characters in an activation code.
const DeviceCodeLength = 6

// NewDeviceCode generates a device activation code of uppercase
// alphanumerics using crypto/rand.
func NewDeviceCode() (string, error) {
	buf := make([]byte, DeviceCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate device code: %w", err)
	}
	for i, b := range buf {
		buf[i] = deviceCodeAlphabet[int(b)%len(deviceCodeAlphabet)]
	}
	return string(buf), nil
}

// NewDeviceID builds an identifier of the form
// device_<unix-ms>_<9 base36 chars>.
func NewDeviceID() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for id generation.
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	suffix := make([]byte, 9)
	const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i, b := range buf {
		suffix[i] = base36[int(b)%len(base36)]
	}
	return "device_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + string(suffix)
}

// NewRequestID allocates an unguessable correlation id for one in-flight
// public request. IDs are never reused within a server lifetime.
func NewRequestID() string {
	return uuid.New().String()
}
