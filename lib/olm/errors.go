// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import "errors"

// Malformed input. The caller sent bytes that are not an Olm envelope
// or a Curve25519 key, or asked to encrypt nothing.
var (
	ErrBadMessage     = errors.New("olm: malformed message")
	ErrInvalidKey     = errors.New("olm: invalid key")
	ErrEmptyPlaintext = errors.New("olm: empty plaintext")
)

// Protocol violations. The input was well-formed but the ratchet
// rejected it.
var (
	// ErrDecryptFailed covers every ratchet rejection of a normal or
	// pre-key message on an established session: bad MAC, a replayed
	// or discarded index, or a gap too large to skip.
	ErrDecryptFailed = errors.New("olm: message rejected by the ratchet")
	// ErrHandshakeRejected means a pre-key message could not start a
	// session: its one-time key is unknown or already consumed, or its
	// payload did not authenticate.
	ErrHandshakeRejected = errors.New("olm: pre-key message rejected")
	ErrIdentityMismatch  = errors.New("olm: sender identity key does not match")
	ErrSessionMismatch   = errors.New("olm: pre-key message belongs to a different session")
)

// IsMalformed reports whether err means the input could not be parsed,
// as opposed to being rejected by the ratchet.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrBadMessage) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrEmptyPlaintext)
}
