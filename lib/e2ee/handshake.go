// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bureau-foundation/olmstore/lib/olm"
)

// handshakePayload is the body of the pre-key message CreateOutbound
// sends. Olm refuses empty plaintexts, so the handshake carries a single
// NUL byte that CreateInbound reports as an empty payload.
var handshakePayload = []byte{0}

// handshakeBody maps the handshake marker back to an empty payload.
func handshakeBody(plaintext []byte) []byte {
	if bytes.Equal(plaintext, handshakePayload) {
		return []byte{}
	}
	return plaintext
}

// CreateOutbound starts a session with the peer owning theirIdentityKey
// using one of their published one-time keys (both base64). It returns
// the first envelope of the session: a pre-key message whose payload
// CreateInbound reports as empty, letting the peer derive its side. The new session is
// cached, dirty.
//
// In PersistPerMutation mode a failed flush is reported as a
// KindInternal error alongside the envelope; the session stays cached
// and dirty.
func (c *SessionCache) CreateOutbound(ctx context.Context, account *olm.Account, theirIdentityKey, theirOneTimeKey string) (message EncryptedMessage, err error) {
	const op = "create_outbound"
	defer func() { c.metrics.observe(op, err) }()

	identityKey, err := olm.ParseCurve25519PublicKey(theirIdentityKey)
	if err != nil {
		return EncryptedMessage{}, newError(KindBadRequest, op, "", fmt.Errorf("identity key: %w", err))
	}
	oneTimeKey, err := olm.ParseCurve25519PublicKey(theirOneTimeKey)
	if err != nil {
		return EncryptedMessage{}, newError(KindBadRequest, op, "", fmt.Errorf("one-time key: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return EncryptedMessage{}, newError(KindInternal, op, "", err)
	}

	// The session is not shared until it is inserted, so the handshake
	// runs outside the lock.
	session, err := olm.NewOutboundSession(account, identityKey, oneTimeKey)
	if err != nil {
		return EncryptedMessage{}, cryptoError(op, "", err)
	}
	envelope, err := session.Encrypt(handshakePayload)
	if err != nil {
		return EncryptedMessage{}, cryptoError(op, session.ID(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[session.ID()]; exists {
		return EncryptedMessage{}, newError(KindInternal, op, session.ID(), ErrSessionExists)
	}
	c.insertLocked(session, account.Curve25519Key().String())
	c.logger.Info("olm session created",
		"session_id", session.ID(),
		"direction", "outbound",
		"sender_key", theirIdentityKey,
	)

	message = EncryptedMessage{
		SessionID:   session.ID(),
		MessageType: envelope.Type(),
		Ciphertext:  olm.EncodeBase64(envelope.Bytes()),
	}
	return message, c.afterMutation(ctx, op, session.ID())
}

// CreateInbound answers a pre-key envelope (base64) sent by the peer
// owning theirIdentityKey, consuming the one-time key it names from
// account. It returns the new session's id and the decrypted payload,
// which is empty for a fresh handshake.
//
// A retransmission of a pre-key envelope whose session already exists
// is decrypted with that session instead of creating a duplicate.
func (c *SessionCache) CreateInbound(ctx context.Context, account *olm.Account, theirIdentityKey, ciphertext string) (message DecryptedMessage, err error) {
	const op = "create_inbound"
	defer func() { c.metrics.observe(op, err) }()

	identityKey, err := olm.ParseCurve25519PublicKey(theirIdentityKey)
	if err != nil {
		return DecryptedMessage{}, newError(KindBadRequest, op, "", fmt.Errorf("identity key: %w", err))
	}
	raw, err := olm.DecodeBase64(ciphertext)
	if err != nil {
		return DecryptedMessage{}, newError(KindBadRequest, op, "", fmt.Errorf("ciphertext: %w", err))
	}
	parsed, err := olm.ParseMessage(olm.MessageTypePreKey, raw)
	if err != nil {
		return DecryptedMessage{}, newError(KindBadRequest, op, "", err)
	}
	preKey := parsed.(*olm.PreKeyMessage)
	if preKey.IdentityKey() != identityKey {
		return DecryptedMessage{}, newError(KindProtocolViolation, op, "", olm.ErrIdentityMismatch)
	}
	if err := ctx.Err(); err != nil {
		return DecryptedMessage{}, newError(KindInternal, op, "", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.entries {
		if !entry.session.MatchesInbound(preKey) {
			continue
		}
		plaintext, err := entry.session.Decrypt(preKey)
		if err != nil {
			return DecryptedMessage{}, cryptoError(op, id, err)
		}
		c.touchLocked(entry)
		c.logger.Debug("pre-key message matched existing session", "session_id", id)
		message = DecryptedMessage{SessionID: id, Plaintext: handshakeBody(plaintext)}
		return message, c.afterMutation(ctx, op, id)
	}

	session, plaintext, err := olm.NewInboundSession(account, &identityKey, preKey)
	if err != nil {
		return DecryptedMessage{}, cryptoError(op, "", err)
	}
	if _, exists := c.entries[session.ID()]; exists {
		return DecryptedMessage{}, newError(KindInternal, op, session.ID(), ErrSessionExists)
	}
	c.insertLocked(session, account.Curve25519Key().String())
	c.logger.Info("olm session created",
		"session_id", session.ID(),
		"direction", "inbound",
		"sender_key", theirIdentityKey,
	)

	message = DecryptedMessage{SessionID: session.ID(), Plaintext: handshakeBody(plaintext)}
	return message, c.afterMutation(ctx, op, session.ID())
}
