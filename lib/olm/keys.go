// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"encoding/base64"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// KeySize is the length of a Curve25519 public key.
const KeySize = 32

// Curve25519PublicKey is a peer identity, one-time, base, or ratchet
// public key.
type Curve25519PublicKey [KeySize]byte

// String returns the key in unpadded standard base64, the form Matrix
// uses in device key uploads and to-device events.
func (k Curve25519PublicKey) String() string {
	return EncodeBase64(k[:])
}

func (k Curve25519PublicKey) matrix() id.Curve25519 {
	return id.Curve25519(k.String())
}

// ParseCurve25519PublicKey decodes a base64 Curve25519 public key.
// Padded and unpadded input are both accepted.
func ParseCurve25519PublicKey(encoded string) (Curve25519PublicKey, error) {
	var key Curve25519PublicKey
	raw, err := DecodeBase64(encoded)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: curve25519 key is %d bytes, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	copy(key[:], raw)
	return key, nil
}

// EncodeBase64 encodes with the standard alphabet and no padding.
func EncodeBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard-alphabet base64 with or without
// trailing padding.
func DecodeBase64(encoded string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
}
