// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/olmstore/lib/olm"
)

// Encrypt advances the session's sending chain and returns the
// envelope. Outbound sessions produce pre-key messages until the peer
// has replied. The ratchet step is kept even if the caller discards
// the result.
func (c *SessionCache) Encrypt(ctx context.Context, sessionID string, plaintext []byte) (message EncryptedMessage, err error) {
	const op = "encrypt"
	defer func() { c.metrics.observe(op, err) }()
	if err := ctx.Err(); err != nil {
		return EncryptedMessage{}, newError(KindInternal, op, sessionID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return EncryptedMessage{}, notFound(op, sessionID)
	}
	envelope, err := entry.session.Encrypt(plaintext)
	if err != nil {
		return EncryptedMessage{}, cryptoError(op, sessionID, err)
	}
	c.touchLocked(entry)

	message = EncryptedMessage{
		SessionID:   sessionID,
		MessageType: envelope.Type(),
		Ciphertext:  olm.EncodeBase64(envelope.Bytes()),
	}
	return message, c.afterMutation(ctx, op, sessionID)
}

// Decrypt authenticates and decrypts an envelope received on the
// session. Malformed input fails with KindBadRequest before the cache
// is consulted; an unknown session fails with KindNotFound; a rejected
// message fails with KindProtocolViolation and leaves the session
// unchanged. Nothing is retried.
//
// ctx is checked only before the ratchet runs. A decrypt that has
// started always completes and returns its plaintext; see Restore for
// rolling a session back when that plaintext is lost.
func (c *SessionCache) Decrypt(ctx context.Context, sessionID string, messageType olm.MessageType, ciphertext string) (message DecryptedMessage, err error) {
	const op = "decrypt"
	defer func() { c.metrics.observe(op, err) }()

	raw, err := olm.DecodeBase64(ciphertext)
	if err != nil {
		return DecryptedMessage{}, newError(KindBadRequest, op, sessionID, fmt.Errorf("ciphertext: %w", err))
	}
	envelope, err := olm.ParseMessage(messageType, raw)
	if err != nil {
		return DecryptedMessage{}, newError(KindBadRequest, op, sessionID, err)
	}
	if err := ctx.Err(); err != nil {
		return DecryptedMessage{}, newError(KindInternal, op, sessionID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return DecryptedMessage{}, notFound(op, sessionID)
	}
	plaintext, err := entry.session.Decrypt(envelope)
	if err != nil {
		c.logger.Warn("olm decrypt rejected",
			"session_id", sessionID,
			"message_type", messageType.String(),
			"error", err,
		)
		return DecryptedMessage{}, cryptoError(op, sessionID, err)
	}
	c.touchLocked(entry)

	message = DecryptedMessage{SessionID: sessionID, Plaintext: plaintext}
	return message, c.afterMutation(ctx, op, sessionID)
}
