// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package megolm

import "errors"

var (
	// ErrBadMessage means the input is not a Megolm message.
	ErrBadMessage = errors.New("megolm: malformed message")
	// ErrBadSessionKey means a shared or exported session key could
	// not be parsed.
	ErrBadSessionKey  = errors.New("megolm: malformed session key")
	ErrEmptyPlaintext = errors.New("megolm: empty plaintext")
)

var (
	// ErrBadSignature means a shared session key is not signed by the
	// session it describes.
	ErrBadSignature = errors.New("megolm: signature verification failed")
	// ErrVerificationFailed means a message's signature or MAC did not
	// verify against the session.
	ErrVerificationFailed  = errors.New("megolm: message failed verification")
	ErrUnknownMessageIndex = errors.New("megolm: message index precedes the first known index")
)

// IsMalformed reports whether err means the input could not be parsed.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrBadMessage) ||
		errors.Is(err, ErrBadSessionKey) ||
		errors.Is(err, ErrEmptyPlaintext)
}
