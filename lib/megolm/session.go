// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package megolm

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/goolm/session"
)

// OutboundGroupSession is the sending side of a room session. Not safe
// for concurrent use.
type OutboundGroupSession struct {
	inner *session.MegolmOutboundSession
}

// NewOutboundGroupSession creates a session with a random ratchet at
// index 0.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	inner, err := session.NewMegolmOutboundSession()
	if err != nil {
		return nil, fmt.Errorf("megolm: creating outbound session: %w", err)
	}
	return &OutboundGroupSession{inner: inner}, nil
}

// ID returns the session id shared by sender and recipients.
func (s *OutboundGroupSession) ID() string { return string(s.inner.ID()) }

// MessageIndex returns the index the next message will be sent at.
func (s *OutboundGroupSession) MessageIndex() uint32 { return uint32(s.inner.MessageIndex()) }

// SessionKey returns the signed session key at the current index, in
// unpadded base64. Recipients given this key can decrypt every message
// from the current index on.
func (s *OutboundGroupSession) SessionKey() string { return s.inner.Key() }

// Encrypt encrypts plaintext at the current index and advances the
// ratchet. The result is the base64 signed message.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", ErrEmptyPlaintext
	}
	encoded, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("megolm: encrypting: %w", err)
	}
	return string(encoded), nil
}

// Pickle returns the session encrypted under key in the libolm pickle
// format, including the signing key.
func (s *OutboundGroupSession) Pickle(key []byte) ([]byte, error) {
	pickled, err := s.inner.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("megolm: pickling outbound session: %w", err)
	}
	return pickled, nil
}

// UnpickleOutboundGroupSession restores a pickled outbound session.
func UnpickleOutboundGroupSession(pickled, key []byte) (*OutboundGroupSession, error) {
	inner := &session.MegolmOutboundSession{}
	if err := inner.Unpickle(pickled, key); err != nil {
		return nil, fmt.Errorf("megolm: unpickling outbound session: %w", err)
	}
	return &OutboundGroupSession{inner: inner}, nil
}

// InboundGroupSession is the receiving side of a room session. Not safe
// for concurrent use.
type InboundGroupSession struct {
	inner *session.MegolmInboundSession
}

// NewInboundGroupSession builds a session from a signed session key as
// produced by [OutboundGroupSession.SessionKey].
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	encoded, err := decodeSessionKey(sessionKey, sessionKeyVersion, sessionKeySize)
	if err != nil {
		return nil, err
	}
	inner, err := session.NewMegolmInboundSession(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return &InboundGroupSession{inner: inner}, nil
}

// ImportInboundGroupSession builds a session from an unsigned export
// as produced by [InboundGroupSession.Export].
func ImportInboundGroupSession(exported string) (*InboundGroupSession, error) {
	encoded, err := decodeSessionKey(exported, exportedKeyVersion, exportedKeySize)
	if err != nil {
		return nil, err
	}
	inner, err := session.NewMegolmInboundSessionFromExport(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	return &InboundGroupSession{inner: inner}, nil
}

// ID returns the session id shared by sender and recipients.
func (s *InboundGroupSession) ID() string { return string(s.inner.ID()) }

// FirstKnownIndex returns the lowest index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.inner.FirstKnownIndex() }

// Decrypt verifies and decrypts a base64 group message, returning the
// plaintext and the index it was sent at. Megolm does not track which
// indices were already seen; replay detection by index belongs to the
// caller.
func (s *InboundGroupSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	index, err := MessageIndex(ciphertext)
	if err != nil {
		return nil, 0, err
	}
	if index < s.FirstKnownIndex() {
		return nil, 0, ErrUnknownMessageIndex
	}
	plaintext, _, err := s.inner.Decrypt([]byte(ciphertext))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return plaintext, index, nil
}

// Export returns the unsigned session key at index, for key backup or
// forwarding. index must not precede the first known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.FirstKnownIndex() {
		return "", ErrUnknownMessageIndex
	}
	exported, err := s.inner.Export(index)
	if err != nil {
		return "", fmt.Errorf("megolm: exporting at %d: %w", index, err)
	}
	return string(exported), nil
}

// Pickle returns the session encrypted under key in the libolm pickle
// format.
func (s *InboundGroupSession) Pickle(key []byte) ([]byte, error) {
	pickled, err := s.inner.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("megolm: pickling inbound session: %w", err)
	}
	return pickled, nil
}

// UnpickleInboundGroupSession restores a pickled inbound session.
func UnpickleInboundGroupSession(pickled, key []byte) (*InboundGroupSession, error) {
	inner := &session.MegolmInboundSession{}
	if err := inner.Unpickle(pickled, key); err != nil {
		return nil, fmt.Errorf("megolm: unpickling inbound session: %w", err)
	}
	return &InboundGroupSession{inner: inner}, nil
}
