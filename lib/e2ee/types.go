// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/olmstore/lib/olm"
	"github.com/bureau-foundation/olmstore/lib/sessionstore"
)

// PersistMode selects when dirty sessions are written to the store.
// There is no default: configuration must name one.
type PersistMode string

const (
	PersistManual      PersistMode = "manual"
	PersistPerMutation PersistMode = "per_mutation"
	PersistPeriodic    PersistMode = "periodic"
)

// ParsePersistMode validates a configured mode name.
func ParsePersistMode(name string) (PersistMode, error) {
	switch mode := PersistMode(name); mode {
	case PersistManual, PersistPerMutation, PersistPeriodic:
		return mode, nil
	case "":
		return "", fmt.Errorf("persistence mode is required (manual, per_mutation or periodic)")
	default:
		return "", fmt.Errorf("unknown persistence mode %q (want manual, per_mutation or periodic)", name)
	}
}

// EncryptedMessage is an Olm envelope ready for a to-device event.
// Ciphertext is unpadded standard base64.
type EncryptedMessage struct {
	SessionID   string
	MessageType olm.MessageType
	Ciphertext  string
}

// DecryptedMessage is the result of an Olm decrypt or inbound
// handshake.
type DecryptedMessage struct {
	SessionID string
	Plaintext []byte
}

// GroupDecryptedMessage is the result of a Megolm decrypt. Replay
// detection by MessageIndex is the caller's job.
type GroupDecryptedMessage struct {
	SessionID    string
	MessageIndex uint32
	Plaintext    []byte
}

// SessionView is a read-only snapshot of a cached Olm session.
type SessionView struct {
	SessionID string
	// SenderKey is the peer's Curve25519 identity key.
	SenderKey string
	// ReceiverKey is this device's Curve25519 identity key.
	ReceiverKey string
	Outbound    bool
	// MessageIndex counts the messages this device has encrypted on
	// the session, handshake included.
	MessageIndex uint32
	CreatedAt    time.Time
	LastUsedAt   time.Time
	Dirty        bool
}

// SessionStore is the durable side of a SessionCache. Both
// sessionstore backends implement it.
type SessionStore interface {
	LoadSessions(ctx context.Context, userID, deviceID string) ([]sessionstore.SessionRecord, error)
	LoadSession(ctx context.Context, userID, deviceID, sessionID string) (sessionstore.SessionRecord, error)
	UpsertSessions(ctx context.Context, records ...sessionstore.SessionRecord) error
	DeleteSession(ctx context.Context, userID, deviceID, sessionID string) error
	DeleteExpiredSessions(ctx context.Context) (int, error)
	LiveSessions(ctx context.Context, userID, deviceID string, sessionIDs []string) ([]string, error)
}

// GroupSessionStore is the durable side of a GroupSessionCache.
type GroupSessionStore interface {
	LoadGroupSessions(ctx context.Context, userID, deviceID string) ([]sessionstore.GroupSessionRecord, error)
	UpsertGroupSessions(ctx context.Context, records ...sessionstore.GroupSessionRecord) error
	DeleteGroupSession(ctx context.Context, userID, deviceID string, key sessionstore.GroupKey) error
	DeleteExpiredGroupSessions(ctx context.Context) (int, error)
	LiveGroupSessions(ctx context.Context, userID, deviceID string, keys []sessionstore.GroupKey) ([]sessionstore.GroupKey, error)
}

// Store is everything a Manager needs from a backend.
type Store interface {
	SessionStore
	GroupSessionStore
	Stats(ctx context.Context) (sessionstore.Stats, error)
	// BindKeyFingerprint records the pickle key fingerprint on first
	// use and fails with sessionstore.ErrKeyMismatch when the store was
	// bound to another key.
	BindKeyFingerprint(ctx context.Context, fingerprint string) error
}

// ValidateScope checks a (user, device) pair: the user must be a
// Matrix user id of the form @localpart:server and the device id must
// be non-empty.
func ValidateScope(userID, deviceID string) error {
	localpart, server, ok := strings.Cut(strings.TrimPrefix(userID, "@"), ":")
	if !strings.HasPrefix(userID, "@") || !ok || localpart == "" || server == "" {
		return newError(KindBadRequest, "validate", "", fmt.Errorf("invalid user id %q", userID))
	}
	if deviceID == "" || strings.ContainsAny(deviceID, " \t\n") {
		return newError(KindBadRequest, "validate", "", fmt.Errorf("invalid device id %q", deviceID))
	}
	return nil
}

// expiresAt returns the row expiry for an entry last used at lastUsed.
func expiresAt(lastUsed time.Time, idleLifetime time.Duration) *time.Time {
	if idleLifetime <= 0 {
		return nil
	}
	expiry := lastUsed.Add(idleLifetime)
	return &expiry
}
