// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/rand"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/crypto/goolm/session"
	olmapi "maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/olmstore/lib/codec"
)

// pickleVersion is the version of the sessionPickle CBOR layout.
const pickleVersion = 1

// Session is one established Olm session. Not safe for concurrent use.
type Session struct {
	inner            olmapi.Session
	theirIdentityKey Curve25519PublicKey
	outbound         bool
	sent             uint32
}

// sessionPickle carries the libolm session pickle together with the
// facts libolm does not record.
type sessionPickle struct {
	Version          uint8  `cbor:"v"`
	Outbound         bool   `cbor:"outbound"`
	TheirIdentityKey []byte `cbor:"their_identity"`
	Sent             uint32 `cbor:"sent"`
	State            []byte `cbor:"state"`
}

// snapshotKey encrypts the in-memory copy Decrypt keeps for rollback.
// It never leaves the process.
var snapshotKey = sync.OnceValues(func() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("olm: generating snapshot key: %w", err)
	}
	return key, nil
})

// NewOutboundSession starts a session with a peer from its identity
// key and one of its published one-time keys. The first message the
// session encrypts is a pre-key message.
func NewOutboundSession(account *Account, theirIdentityKey, theirOneTimeKey Curve25519PublicKey) (*Session, error) {
	account.mu.Lock()
	inner, err := account.inner.NewOutboundSession(theirIdentityKey.matrix(), theirOneTimeKey.matrix())
	account.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Session{inner: inner, theirIdentityKey: theirIdentityKey, outbound: true}, nil
}

// NewInboundSession answers a pre-key message addressed to account. If
// theirIdentityKey is non-nil it must match the key the message claims.
// On success the payload is decrypted and the claimed one-time key is
// removed from the account.
func NewInboundSession(account *Account, theirIdentityKey *Curve25519PublicKey, message *PreKeyMessage) (*Session, []byte, error) {
	if theirIdentityKey != nil && *theirIdentityKey != message.identityKey {
		return nil, nil, ErrIdentityMismatch
	}
	encoded := EncodeBase64(message.raw)
	sender := message.identityKey.matrix()

	account.mu.Lock()
	defer account.mu.Unlock()
	inner, err := account.inner.NewInboundSessionFrom(&sender, encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	plaintext, err := inner.Decrypt(encoded, id.OlmMsgTypePreKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	if err := account.inner.RemoveOneTimeKeys(inner); err != nil {
		return nil, nil, fmt.Errorf("olm: consuming one-time key: %w", err)
	}
	return &Session{inner: inner, theirIdentityKey: message.identityKey}, plaintext, nil
}

// ID returns the session's identifier. Both sides of a handshake
// derive the same id from the handshake keys.
func (s *Session) ID() string { return string(s.inner.ID()) }

// TheirIdentityKey returns the peer's Curve25519 identity key.
func (s *Session) TheirIdentityKey() Curve25519PublicKey { return s.theirIdentityKey }

// Outbound reports whether this side initiated the handshake.
func (s *Session) Outbound() bool { return s.outbound }

// HasReceivedMessage reports whether any message from the peer has
// been decrypted. An outbound session sends pre-key messages until
// this is true.
func (s *Session) HasReceivedMessage() bool { return s.inner.HasReceivedMessage() }

// MessageIndex returns the number of messages this session has
// encrypted.
func (s *Session) MessageIndex() uint32 { return s.sent }

// MatchesInbound reports whether message was produced by the peer's
// side of this inbound session, i.e. it is a retransmitted pre-key
// message for a session that already exists.
func (s *Session) MatchesInbound(message *PreKeyMessage) bool {
	if s.outbound || s.theirIdentityKey != message.identityKey {
		return false
	}
	matches, err := s.inner.MatchesInboundSession(EncodeBase64(message.raw))
	return err == nil && matches
}

// Encrypt advances the sending chain and returns the envelope.
// Plaintext must not be empty.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	messageType, encoded, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("olm: encrypting: %w", err)
	}
	raw, err := DecodeBase64(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("olm: encrypting: %w", err)
	}
	message, err := ParseMessage(MessageType(messageType), raw)
	if err != nil {
		return nil, fmt.Errorf("olm: encrypting: %w", err)
	}
	s.sent++
	return message, nil
}

// Decrypt authenticates and decrypts message. The session is modified
// only when decryption succeeds.
func (s *Session) Decrypt(message Message) ([]byte, error) {
	if preKey, ok := message.(*PreKeyMessage); ok && !s.MatchesInbound(preKey) {
		return nil, ErrSessionMismatch
	}
	key, err := snapshotKey()
	if err != nil {
		return nil, err
	}
	snapshot, err := s.inner.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("olm: snapshotting session: %w", err)
	}
	plaintext, err := s.inner.Decrypt(EncodeBase64(message.Bytes()), id.OlmMsgType(message.Type()))
	if err == nil {
		return plaintext, nil
	}
	restored := &session.OlmSession{}
	if restoreErr := restored.Unpickle(snapshot, key); restoreErr != nil {
		return nil, fmt.Errorf("olm: restoring session after rejected message: %w", restoreErr)
	}
	s.inner = restored
	return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
}

// Pickle returns the session encrypted under key. The libolm pickle is
// wrapped in a CBOR envelope that also records the session's role,
// peer, and send count.
func (s *Session) Pickle(key []byte) ([]byte, error) {
	state, err := s.inner.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("olm: pickling session: %w", err)
	}
	data, err := codec.Marshal(sessionPickle{
		Version:          pickleVersion,
		Outbound:         s.outbound,
		TheirIdentityKey: s.theirIdentityKey[:],
		Sent:             s.sent,
		State:            state,
	})
	if err != nil {
		return nil, fmt.Errorf("olm: pickling session: %w", err)
	}
	return data, nil
}

// UnpickleSession restores a session from [Session.Pickle] output.
func UnpickleSession(data, key []byte) (*Session, error) {
	var pickle sessionPickle
	if err := codec.Unmarshal(data, &pickle); err != nil {
		return nil, fmt.Errorf("olm: unpickling session: %w", err)
	}
	if pickle.Version != pickleVersion {
		return nil, fmt.Errorf("olm: unpickling session: pickle version %d, want %d", pickle.Version, pickleVersion)
	}
	if len(pickle.TheirIdentityKey) != KeySize {
		return nil, fmt.Errorf("olm: unpickling session: peer key is %d bytes", len(pickle.TheirIdentityKey))
	}
	inner := &session.OlmSession{}
	if err := inner.Unpickle(pickle.State, key); err != nil {
		return nil, fmt.Errorf("olm: unpickling session: %w", err)
	}
	restored := &Session{inner: inner, outbound: pickle.Outbound, sent: pickle.Sent}
	copy(restored.theirIdentityKey[:], pickle.TheirIdentityKey)
	return restored, nil
}
