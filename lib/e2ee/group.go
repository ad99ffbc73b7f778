// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/olmstore/lib/clock"
	"github.com/bureau-foundation/olmstore/lib/megolm"
	"github.com/bureau-foundation/olmstore/lib/olm"
	"github.com/bureau-foundation/olmstore/lib/sessioncodec"
	"github.com/bureau-foundation/olmstore/lib/sessionstore"
)

// GroupSessionCache holds the Megolm sessions of one (user, device)
// scope: outbound sessions this device sends with and inbound sessions
// it receives with, keyed by direction and session id. Locking and
// persistence follow SessionCache.
type GroupSessionCache struct {
	userID       string
	deviceID     string
	store        GroupSessionStore
	codec        *sessioncodec.Codec
	persistence  PersistMode
	idleLifetime time.Duration
	clock        clock.Clock
	metrics      *Metrics
	logger       *slog.Logger

	mu      sync.RWMutex
	loaded  bool
	entries map[sessionstore.GroupKey]*groupEntry
}

// groupEntry holds exactly one of outbound and inbound.
type groupEntry struct {
	outbound   *megolm.OutboundGroupSession
	inbound    *megolm.InboundGroupSession
	roomID     string
	senderKey  string
	createdAt  time.Time
	lastUsedAt time.Time
	dirty      bool
}

func (e *groupEntry) messageIndex() uint32 {
	if e.outbound != nil {
		return e.outbound.MessageIndex()
	}
	return e.inbound.FirstKnownIndex()
}

// NewGroupSessionCache returns an empty cache. Call Load to populate
// it from the store.
func NewGroupSessionCache(store GroupSessionStore, cfg CacheConfig) (*GroupSessionCache, error) {
	if store == nil {
		return nil, fmt.Errorf("e2ee: store is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &GroupSessionCache{
		userID:       cfg.UserID,
		deviceID:     cfg.DeviceID,
		store:        store,
		codec:        cfg.Codec,
		persistence:  cfg.Persistence,
		idleLifetime: cfg.IdleLifetime,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		entries:      make(map[sessionstore.GroupKey]*groupEntry),
	}, nil
}

// Load reads every live stored group session for the scope. Rows that
// cannot be opened are deleted and logged, except when a row was sealed
// under another pickle key or no row opens at all: those fail the load
// with KindInternal.
func (c *GroupSessionCache) Load(ctx context.Context) (loaded int, err error) {
	defer func() { c.metrics.observe("group_load", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

func (c *GroupSessionCache) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	_, err := c.loadLocked(ctx)
	c.metrics.observe("group_load", err)
	return err
}

func (c *GroupSessionCache) loadLocked(ctx context.Context) (int, error) {
	records, err := c.store.LoadGroupSessions(ctx, c.userID, c.deviceID)
	if err != nil {
		return 0, newError(KindInternal, "group_load", "", err)
	}

	opened := make(map[sessionstore.GroupKey]*groupEntry)
	var order []sessionstore.GroupKey
	var corrupt []unreadableRow
	var corruptKeys []sessionstore.GroupKey
	for _, record := range records {
		key := record.Key()
		if existing, cached := c.entries[key]; cached && existing.dirty {
			continue
		}
		entry, err := c.open(record)
		if errors.Is(err, sessioncodec.ErrWrongKey) {
			return 0, newError(KindInternal, "group_load", record.SessionID, err)
		}
		if err != nil {
			corrupt = append(corrupt, unreadableRow{sessionID: record.SessionID, cause: err})
			corruptKeys = append(corruptKeys, key)
			continue
		}
		opened[key] = entry
		order = append(order, key)
	}
	if err := checkUnreadable(len(order), corrupt); err != nil {
		return 0, newError(KindInternal, "group_load", "", err)
	}

	for i, row := range corrupt {
		c.logger.Warn("deleting undecodable megolm session",
			"session_id", row.sessionID,
			"direction", string(corruptKeys[i].Direction),
			"error", row.cause,
		)
		c.metrics.addCorrupted(kindMegolm)
		if err := c.store.DeleteGroupSession(ctx, c.userID, c.deviceID, corruptKeys[i]); err != nil {
			c.logger.Error("deleting undecodable megolm session failed",
				"session_id", row.sessionID,
				"error", err,
			)
		}
	}
	for _, key := range order {
		if _, cached := c.entries[key]; !cached {
			c.metrics.addCached(kindMegolm, 1)
		}
		c.entries[key] = opened[key]
	}
	c.loaded = true
	c.logger.Debug("megolm sessions loaded", "loaded", len(order), "stored", len(records))
	return len(order), nil
}

func (c *GroupSessionCache) open(record sessionstore.GroupSessionRecord) (*groupEntry, error) {
	entry := &groupEntry{
		roomID:     record.RoomID,
		senderKey:  record.SenderKey,
		createdAt:  record.CreatedAt,
		lastUsedAt: record.LastUsedAt,
	}
	var id string
	switch record.Direction {
	case sessionstore.DirectionOutbound:
		pickle, err := c.codec.Open(sessioncodec.KindGroupOutbound, record.SessionID, record.State)
		if err != nil {
			return nil, err
		}
		if entry.outbound, err = megolm.UnpickleOutboundGroupSession(pickle, c.codec.PickleKey()); err != nil {
			return nil, err
		}
		id = entry.outbound.ID()
	case sessionstore.DirectionInbound:
		pickle, err := c.codec.Open(sessioncodec.KindGroupInbound, record.SessionID, record.State)
		if err != nil {
			return nil, err
		}
		if entry.inbound, err = megolm.UnpickleInboundGroupSession(pickle, c.codec.PickleKey()); err != nil {
			return nil, err
		}
		id = entry.inbound.ID()
	default:
		return nil, fmt.Errorf("unknown direction %q", record.Direction)
	}
	if id != record.SessionID {
		return nil, fmt.Errorf("pickle holds session %s", id)
	}
	return entry, nil
}

// CreateOutbound starts a new group session for roomID and returns its
// id and the signed session key to share with the room's devices over
// Olm. senderKey is this device's Curve25519 identity key. A matching
// inbound session is cached too, so the device can read its own
// messages.
func (c *GroupSessionCache) CreateOutbound(ctx context.Context, roomID, senderKey string) (sessionID, sessionKey string, err error) {
	const op = "group_create_outbound"
	defer func() { c.metrics.observe(op, err) }()
	if roomID == "" {
		return "", "", newError(KindBadRequest, op, "", fmt.Errorf("room id is required"))
	}
	if _, err := olm.ParseCurve25519PublicKey(senderKey); err != nil {
		return "", "", newError(KindBadRequest, op, "", fmt.Errorf("sender key: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return "", "", newError(KindInternal, op, "", err)
	}

	outbound, err := megolm.NewOutboundGroupSession()
	if err != nil {
		return "", "", cryptoError(op, "", err)
	}
	sessionKey = outbound.SessionKey()
	inbound, err := megolm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return "", "", cryptoError(op, outbound.ID(), err)
	}
	sessionID = outbound.ID()

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[sessionstore.GroupKey{Direction: sessionstore.DirectionOutbound, SessionID: sessionID}] = &groupEntry{
		outbound: outbound, roomID: roomID, senderKey: senderKey,
		createdAt: now, lastUsedAt: now, dirty: true,
	}
	c.entries[sessionstore.GroupKey{Direction: sessionstore.DirectionInbound, SessionID: sessionID}] = &groupEntry{
		inbound: inbound, roomID: roomID, senderKey: senderKey,
		createdAt: now, lastUsedAt: now, dirty: true,
	}
	c.metrics.addCached(kindMegolm, 2)
	c.logger.Info("megolm session created", "session_id", sessionID, "room_id", roomID)

	return sessionID, sessionKey, c.afterMutation(ctx, op,
		sessionstore.GroupKey{Direction: sessionstore.DirectionOutbound, SessionID: sessionID},
		sessionstore.GroupKey{Direction: sessionstore.DirectionInbound, SessionID: sessionID},
	)
}

// SessionKey returns the current signed session key of an outbound
// session, for sharing with devices that join after it was created.
func (c *GroupSessionCache) SessionKey(sessionID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[sessionstore.GroupKey{Direction: sessionstore.DirectionOutbound, SessionID: sessionID}]
	if !ok {
		return "", notFound("group_session_key", sessionID)
	}
	return entry.outbound.SessionKey(), nil
}

// AddInbound installs a session key received from senderKey's device
// for roomID and returns the session id. If the session is already
// cached the copy that can decrypt from the lower index is kept.
func (c *GroupSessionCache) AddInbound(ctx context.Context, roomID, senderKey, sessionKey string) (sessionID string, err error) {
	const op = "group_add_inbound"
	defer func() { c.metrics.observe(op, err) }()
	inbound, err := megolm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return "", cryptoError(op, "", err)
	}
	return c.addInbound(ctx, op, roomID, senderKey, inbound)
}

// ImportInbound installs an unsigned exported session key, as produced
// by Export or restored from key backup. Imported sessions are
// unverified until a signed message decrypts with them.
func (c *GroupSessionCache) ImportInbound(ctx context.Context, roomID, senderKey, exported string) (sessionID string, err error) {
	const op = "group_import_inbound"
	defer func() { c.metrics.observe(op, err) }()
	inbound, err := megolm.ImportInboundGroupSession(exported)
	if err != nil {
		return "", cryptoError(op, "", err)
	}
	return c.addInbound(ctx, op, roomID, senderKey, inbound)
}

func (c *GroupSessionCache) addInbound(ctx context.Context, op, roomID, senderKey string, inbound *megolm.InboundGroupSession) (string, error) {
	sessionID := inbound.ID()
	if roomID == "" {
		return "", newError(KindBadRequest, op, sessionID, fmt.Errorf("room id is required"))
	}
	if _, err := olm.ParseCurve25519PublicKey(senderKey); err != nil {
		return "", newError(KindBadRequest, op, sessionID, fmt.Errorf("sender key: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return "", newError(KindInternal, op, sessionID, err)
	}

	key := sessionstore.GroupKey{Direction: sessionstore.DirectionInbound, SessionID: sessionID}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if existing, ok := c.entries[key]; ok {
		if existing.roomID != roomID || existing.senderKey != senderKey {
			return "", newError(KindProtocolViolation, op, sessionID,
				fmt.Errorf("session already belongs to room %s from %s", existing.roomID, existing.senderKey))
		}
		if inbound.FirstKnownIndex() >= existing.inbound.FirstKnownIndex() {
			return sessionID, nil
		}
		existing.inbound = inbound
		existing.lastUsedAt = now
		existing.dirty = true
		c.logger.Debug("megolm session replaced with earlier index",
			"session_id", sessionID,
			"first_known_index", inbound.FirstKnownIndex(),
		)
		return sessionID, c.afterMutation(ctx, op, key)
	}

	c.entries[key] = &groupEntry{
		inbound: inbound, roomID: roomID, senderKey: senderKey,
		createdAt: now, lastUsedAt: now, dirty: true,
	}
	c.metrics.addCached(kindMegolm, 1)
	c.logger.Info("megolm session added",
		"session_id", sessionID,
		"room_id", roomID,
		"first_known_index", inbound.FirstKnownIndex(),
	)
	return sessionID, c.afterMutation(ctx, op, key)
}

// Encrypt encrypts plaintext with an outbound session and returns the
// base64 ciphertext.
func (c *GroupSessionCache) Encrypt(ctx context.Context, sessionID string, plaintext []byte) (ciphertext string, err error) {
	const op = "group_encrypt"
	defer func() { c.metrics.observe(op, err) }()
	if err := ctx.Err(); err != nil {
		return "", newError(KindInternal, op, sessionID, err)
	}

	key := sessionstore.GroupKey{Direction: sessionstore.DirectionOutbound, SessionID: sessionID}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", notFound(op, sessionID)
	}
	ciphertext, err = entry.outbound.Encrypt(plaintext)
	if err != nil {
		return "", cryptoError(op, sessionID, err)
	}
	entry.lastUsedAt = c.now()
	entry.dirty = true
	return ciphertext, c.afterMutation(ctx, op, key)
}

// Decrypt decrypts a base64 group message with an inbound session.
func (c *GroupSessionCache) Decrypt(ctx context.Context, sessionID, ciphertext string) (message GroupDecryptedMessage, err error) {
	const op = "group_decrypt"
	defer func() { c.metrics.observe(op, err) }()
	if _, err := megolm.MessageIndex(ciphertext); err != nil {
		return GroupDecryptedMessage{}, newError(KindBadRequest, op, sessionID, fmt.Errorf("ciphertext: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return GroupDecryptedMessage{}, newError(KindInternal, op, sessionID, err)
	}

	key := sessionstore.GroupKey{Direction: sessionstore.DirectionInbound, SessionID: sessionID}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return GroupDecryptedMessage{}, notFound(op, sessionID)
	}
	plaintext, index, err := entry.inbound.Decrypt(ciphertext)
	if err != nil {
		return GroupDecryptedMessage{}, cryptoError(op, sessionID, err)
	}
	entry.lastUsedAt = c.now()
	entry.dirty = true
	message = GroupDecryptedMessage{SessionID: sessionID, MessageIndex: index, Plaintext: plaintext}
	return message, c.afterMutation(ctx, op, key)
}

// Export returns the unsigned key of an inbound session at index, for
// key backup or forwarding.
func (c *GroupSessionCache) Export(sessionID string, index uint32) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[sessionstore.GroupKey{Direction: sessionstore.DirectionInbound, SessionID: sessionID}]
	if !ok {
		return "", notFound("group_export", sessionID)
	}
	exported, err := entry.inbound.Export(index)
	if err != nil {
		return "", cryptoError("group_export", sessionID, err)
	}
	return exported, nil
}

// Contains reports whether the session is cached.
func (c *GroupSessionCache) Contains(key sessionstore.GroupKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// Count returns the number of cached group sessions of both directions.
func (c *GroupSessionCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ListKeys returns the cached keys sorted by direction, then id.
func (c *GroupSessionCache) ListKeys() []sessionstore.GroupKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]sessionstore.GroupKey, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareGroupKeys)
	return keys
}

func compareGroupKeys(a, b sessionstore.GroupKey) int {
	if a.Direction != b.Direction {
		if a.Direction < b.Direction {
			return -1
		}
		return 1
	}
	switch {
	case a.SessionID < b.SessionID:
		return -1
	case a.SessionID > b.SessionID:
		return 1
	}
	return 0
}

// Remove deletes the session from the store and then from the cache.
func (c *GroupSessionCache) Remove(ctx context.Context, key sessionstore.GroupKey) (err error) {
	defer func() { c.metrics.observe("group_remove", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return notFound("group_remove", key.SessionID)
	}
	if err := c.store.DeleteGroupSession(ctx, c.userID, c.deviceID, key); err != nil {
		return newError(KindInternal, "group_remove", key.SessionID, err)
	}
	delete(c.entries, key)
	c.metrics.addCached(kindMegolm, -1)
	return nil
}

// Persist writes every dirty group session in one batch and marks them
// clean.
func (c *GroupSessionCache) Persist(ctx context.Context) (written int, err error) {
	defer func() { c.metrics.observe("group_persist", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	written, err = c.persistLocked(ctx, nil)
	if err != nil {
		return 0, newError(KindInternal, "group_persist", "", err)
	}
	return written, nil
}

func (c *GroupSessionCache) persistLocked(ctx context.Context, keys []sessionstore.GroupKey) (int, error) {
	if keys == nil {
		for key, entry := range c.entries {
			if entry.dirty {
				keys = append(keys, key)
			}
		}
		slices.SortFunc(keys, compareGroupKeys)
	}

	var records []sessionstore.GroupSessionRecord
	var flushed []*groupEntry
	for _, key := range keys {
		entry, ok := c.entries[key]
		if !ok || !entry.dirty {
			continue
		}
		record, err := c.record(key, entry)
		if err != nil {
			return 0, err
		}
		records = append(records, record)
		flushed = append(flushed, entry)
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := c.store.UpsertGroupSessions(ctx, records...); err != nil {
		return 0, err
	}
	for _, entry := range flushed {
		entry.dirty = false
	}
	c.metrics.addPersisted(kindMegolm, len(records))
	return len(records), nil
}

func (c *GroupSessionCache) record(key sessionstore.GroupKey, entry *groupEntry) (sessionstore.GroupSessionRecord, error) {
	var pickle []byte
	var err error
	kind := sessioncodec.KindGroupInbound
	if entry.outbound != nil {
		kind = sessioncodec.KindGroupOutbound
		pickle, err = entry.outbound.Pickle(c.codec.PickleKey())
	} else {
		pickle, err = entry.inbound.Pickle(c.codec.PickleKey())
	}
	if err != nil {
		return sessionstore.GroupSessionRecord{}, err
	}
	sealed, err := c.codec.Seal(kind, key.SessionID, pickle)
	if err != nil {
		return sessionstore.GroupSessionRecord{}, fmt.Errorf("sealing group session %s: %w", key, err)
	}
	return sessionstore.GroupSessionRecord{
		SessionID:    key.SessionID,
		UserID:       c.userID,
		DeviceID:     c.deviceID,
		Direction:    key.Direction,
		RoomID:       entry.roomID,
		SenderKey:    entry.senderKey,
		State:        sealed,
		MessageIndex: entry.messageIndex(),
		CreatedAt:    entry.createdAt,
		LastUsedAt:   entry.lastUsedAt,
		ExpiresAt:    expiresAt(entry.lastUsedAt, c.idleLifetime),
	}, nil
}

// now is the clock truncated to the store's millisecond resolution.
func (c *GroupSessionCache) now() time.Time {
	return c.clock.Now().Truncate(time.Millisecond)
}

func (c *GroupSessionCache) afterMutation(ctx context.Context, op string, keys ...sessionstore.GroupKey) error {
	if c.persistence != PersistPerMutation {
		return nil
	}
	if _, err := c.persistLocked(ctx, keys); err != nil {
		c.logger.Error("flushing group session after mutation failed",
			"operation", op,
			"session_id", keys[0].SessionID,
			"error", err,
		)
		return newError(KindInternal, op, keys[0].SessionID, err)
	}
	return nil
}

// EvictExpired drops clean entries whose stored row is gone or expired.
func (c *GroupSessionCache) EvictExpired(ctx context.Context) (evicted int, err error) {
	defer func() { c.metrics.observe("group_evict", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	var clean []sessionstore.GroupKey
	for key, entry := range c.entries {
		if !entry.dirty {
			clean = append(clean, key)
		}
	}
	if len(clean) == 0 {
		return 0, nil
	}
	live, err := c.store.LiveGroupSessions(ctx, c.userID, c.deviceID, clean)
	if err != nil {
		return 0, newError(KindInternal, "group_evict", "", err)
	}
	alive := make(map[sessionstore.GroupKey]bool, len(live))
	for _, key := range live {
		alive[key] = true
	}
	for _, key := range clean {
		if alive[key] {
			continue
		}
		delete(c.entries, key)
		evicted++
		c.logger.Debug("evicted expired megolm session", "session_id", key.SessionID, "direction", string(key.Direction))
	}
	c.metrics.addCached(kindMegolm, -evicted)
	c.metrics.addReaped(kindMegolm, "cache", evicted)
	return evicted, nil
}
