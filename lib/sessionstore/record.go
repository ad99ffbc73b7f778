// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by single-row loads when the row is
	// missing or expired.
	ErrNotFound = errors.New("sessionstore: session not found")

	// ErrKeyMismatch is returned by BindKeyFingerprint when the
	// database is already bound to a different pickle key.
	ErrKeyMismatch = errors.New("sessionstore: database is bound to a different pickle key")
)

// SessionRecord is one persisted Olm session.
type SessionRecord struct {
	SessionID string
	UserID    string
	DeviceID  string
	// SenderKey is the peer's Curve25519 identity key.
	SenderKey string
	// ReceiverKey is the owning device's Curve25519 identity key.
	ReceiverKey  string
	State        []byte
	MessageIndex uint32
	CreatedAt    time.Time
	LastUsedAt   time.Time
	// ExpiresAt is nil for sessions that never expire.
	ExpiresAt *time.Time
}

// Direction distinguishes a room session we send with from one we
// receive with.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// GroupKey identifies a Megolm row within one (user, device).
type GroupKey struct {
	Direction Direction
	SessionID string
}

func (k GroupKey) String() string {
	return string(k.Direction) + ":" + k.SessionID
}

// GroupSessionRecord is one persisted Megolm session.
type GroupSessionRecord struct {
	SessionID string
	UserID    string
	DeviceID  string
	Direction Direction
	RoomID    string
	// SenderKey is the Curve25519 identity key of the device that
	// created the session.
	SenderKey string
	State     []byte
	// MessageIndex is the next index for outbound sessions and the
	// first known index for inbound ones.
	MessageIndex uint32
	CreatedAt    time.Time
	LastUsedAt   time.Time
	ExpiresAt    *time.Time
}

// Key returns the record's GroupKey.
func (r GroupSessionRecord) Key() GroupKey {
	return GroupKey{Direction: r.Direction, SessionID: r.SessionID}
}

// Stats counts rows per table at the time of the call.
type Stats struct {
	Sessions             int
	ExpiredSessions      int
	GroupSessions        int
	ExpiredGroupSessions int
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// expiryArg converts an optional expiry to a bind argument; nil binds
// NULL.
func expiryArg(expiresAt *time.Time) any {
	if expiresAt == nil {
		return nil
	}
	return toMillis(*expiresAt)
}

// keyFingerprintMeta is the store_meta row holding the pickle key
// fingerprint the database was first opened with.
const keyFingerprintMeta = "pickle_key_fingerprint"
