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
	"github.com/bureau-foundation/olmstore/lib/olm"
	"github.com/bureau-foundation/olmstore/lib/sessioncodec"
	"github.com/bureau-foundation/olmstore/lib/sessionstore"
)

// CacheConfig holds the settings shared by SessionCache and
// GroupSessionCache.
type CacheConfig struct {
	UserID   string
	DeviceID string

	// Codec seals ratchet state before it reaches the store. Required.
	Codec *sessioncodec.Codec

	// Persistence selects when dirty entries are flushed. Required.
	Persistence PersistMode

	// IdleLifetime is how long a stored session survives without use.
	// Zero means stored sessions never expire.
	IdleLifetime time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Metrics may be nil.
	Metrics *Metrics

	// Logger defaults to discarding output.
	Logger *slog.Logger
}

func (cfg *CacheConfig) validate() error {
	if err := ValidateScope(cfg.UserID, cfg.DeviceID); err != nil {
		return err
	}
	if cfg.Codec == nil {
		return fmt.Errorf("e2ee: Codec is required")
	}
	if _, err := ParsePersistMode(string(cfg.Persistence)); err != nil {
		return fmt.Errorf("e2ee: %w", err)
	}
	if cfg.IdleLifetime < 0 {
		return fmt.Errorf("e2ee: IdleLifetime must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	cfg.Logger = cfg.Logger.With("user_id", cfg.UserID, "device_id", cfg.DeviceID)
	return nil
}

// SessionCache holds the Olm sessions of one (user, device) scope.
// Lookups share a read lock; handshakes, encrypt, decrypt, load,
// persist, insert and remove hold the write lock for their whole
// duration. Safe for concurrent use.
type SessionCache struct {
	userID       string
	deviceID     string
	store        SessionStore
	codec        *sessioncodec.Codec
	persistence  PersistMode
	idleLifetime time.Duration
	clock        clock.Clock
	metrics      *Metrics
	logger       *slog.Logger

	mu      sync.RWMutex
	loaded  bool
	entries map[string]*sessionEntry
}

// sessionEntry owns its session exclusively; the session pointer never
// leaves the cache.
type sessionEntry struct {
	session     *olm.Session
	senderKey   string
	receiverKey string
	createdAt   time.Time
	lastUsedAt  time.Time
	dirty       bool
}

func (e *sessionEntry) view() SessionView {
	return SessionView{
		SessionID:    e.session.ID(),
		SenderKey:    e.senderKey,
		ReceiverKey:  e.receiverKey,
		Outbound:     e.session.Outbound(),
		MessageIndex: e.session.MessageIndex(),
		CreatedAt:    e.createdAt,
		LastUsedAt:   e.lastUsedAt,
		Dirty:        e.dirty,
	}
}

// NewSessionCache returns an empty cache. Call Load to populate it from
// the store.
func NewSessionCache(store SessionStore, cfg CacheConfig) (*SessionCache, error) {
	if store == nil {
		return nil, fmt.Errorf("e2ee: store is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SessionCache{
		userID:       cfg.UserID,
		deviceID:     cfg.DeviceID,
		store:        store,
		codec:        cfg.Codec,
		persistence:  cfg.Persistence,
		idleLifetime: cfg.IdleLifetime,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		entries:      make(map[string]*sessionEntry),
	}, nil
}

// UserID returns the scope's user.
func (c *SessionCache) UserID() string { return c.userID }

// DeviceID returns the scope's device.
func (c *SessionCache) DeviceID() string { return c.deviceID }

// Load reads every live stored session for the scope and returns how
// many were loaded. A row whose state cannot be opened or parsed is
// deleted and logged; it does not fail the load. Rows are never
// deleted when any row was sealed under another pickle key, or when
// no row opens at all: both fail the load with KindInternal and leave
// the store untouched. Cached entries with
// unflushed changes are kept in preference to their stored rows.
func (c *SessionCache) Load(ctx context.Context) (loaded int, err error) {
	defer func() { c.metrics.observe("load", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

// ensureLoaded loads the cache unless a load has already succeeded.
func (c *SessionCache) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	_, err := c.loadLocked(ctx)
	c.metrics.observe("load", err)
	return err
}

func (c *SessionCache) loadLocked(ctx context.Context) (int, error) {
	records, err := c.store.LoadSessions(ctx, c.userID, c.deviceID)
	if err != nil {
		return 0, newError(KindInternal, "load", "", err)
	}

	// Open everything before touching the cache or the store: a wrong
	// pickle key must not be mistaken for corruption.
	var opened []sessionstore.SessionRecord
	var sessions []*olm.Session
	var corrupt []unreadableRow
	for _, record := range records {
		if existing, cached := c.entries[record.SessionID]; cached && existing.dirty {
			continue
		}
		session, err := c.open(record)
		if errors.Is(err, sessioncodec.ErrWrongKey) {
			return 0, newError(KindInternal, "load", record.SessionID, err)
		}
		if err != nil {
			corrupt = append(corrupt, unreadableRow{sessionID: record.SessionID, cause: err})
			continue
		}
		opened = append(opened, record)
		sessions = append(sessions, session)
	}
	if err := checkUnreadable(len(opened), corrupt); err != nil {
		return 0, newError(KindInternal, "load", "", err)
	}
	for _, row := range corrupt {
		c.dropCorrupt(ctx, row.sessionID, row.cause)
	}

	for i, record := range opened {
		if _, cached := c.entries[record.SessionID]; !cached {
			c.metrics.addCached(kindOlm, 1)
		}
		c.entries[record.SessionID] = &sessionEntry{
			session:     sessions[i],
			senderKey:   record.SenderKey,
			receiverKey: record.ReceiverKey,
			createdAt:   record.CreatedAt,
			lastUsedAt:  record.LastUsedAt,
		}
	}
	c.loaded = true
	c.logger.Debug("olm sessions loaded", "loaded", len(opened), "stored", len(records))
	return len(opened), nil
}

func (c *SessionCache) open(record sessionstore.SessionRecord) (*olm.Session, error) {
	pickle, err := c.codec.Open(sessioncodec.KindOlm, record.SessionID, record.State)
	if err != nil {
		return nil, err
	}
	session, err := olm.UnpickleSession(pickle, c.codec.PickleKey())
	if err != nil {
		return nil, err
	}
	if session.ID() != record.SessionID {
		return nil, fmt.Errorf("pickle holds session %s", session.ID())
	}
	return session, nil
}

func (c *SessionCache) dropCorrupt(ctx context.Context, sessionID string, cause error) {
	c.logger.Warn("deleting undecodable olm session",
		"session_id", sessionID,
		"error", cause,
	)
	c.metrics.addCorrupted(kindOlm)
	if err := c.store.DeleteSession(ctx, c.userID, c.deviceID, sessionID); err != nil {
		c.logger.Error("deleting undecodable olm session failed",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// Get returns a snapshot of the session with the given id.
func (c *SessionCache) Get(sessionID string) (SessionView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[sessionID]
	if !ok {
		return SessionView{}, false
	}
	return entry.view(), true
}

// GetBySender returns the session to use for the peer with the given
// identity key. When several sessions exist the most recently used one
// wins; ties go to the most recently created, then to the greatest id.
func (c *SessionCache) GetBySender(senderKey string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *sessionEntry
	var bestID string
	for id, entry := range c.entries {
		if entry.senderKey != senderKey {
			continue
		}
		if best == nil || preferSession(entry, id, best, bestID) {
			best, bestID = entry, id
		}
	}
	return bestID, best != nil
}

func preferSession(candidate *sessionEntry, candidateID string, current *sessionEntry, currentID string) bool {
	if !candidate.lastUsedAt.Equal(current.lastUsedAt) {
		return candidate.lastUsedAt.After(current.lastUsedAt)
	}
	if !candidate.createdAt.Equal(current.createdAt) {
		return candidate.createdAt.After(current.createdAt)
	}
	return candidateID > currentID
}

// Contains reports whether the session is cached.
func (c *SessionCache) Contains(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[sessionID]
	return ok
}

// Count returns the number of cached sessions.
func (c *SessionCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ListIDs returns the cached session ids in sorted order.
func (c *SessionCache) ListIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Insert adds an established session, dirty. receiverKey is this
// device's identity key. The cache takes ownership of session; the
// caller must not use it afterwards.
func (c *SessionCache) Insert(ctx context.Context, session *olm.Session, receiverKey string) (err error) {
	defer func() { c.metrics.observe("insert", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[session.ID()]; exists {
		return newError(KindBadRequest, "insert", session.ID(), ErrSessionExists)
	}
	c.insertLocked(session, receiverKey)
	return c.afterMutation(ctx, "insert", session.ID())
}

func (c *SessionCache) insertLocked(session *olm.Session, receiverKey string) {
	now := c.now()
	c.entries[session.ID()] = &sessionEntry{
		session:     session,
		senderKey:   session.TheirIdentityKey().String(),
		receiverKey: receiverKey,
		createdAt:   now,
		lastUsedAt:  now,
		dirty:       true,
	}
	c.metrics.addCached(kindOlm, 1)
}

// touchLocked records a ratchet step on entry.
func (c *SessionCache) touchLocked(entry *sessionEntry) {
	entry.lastUsedAt = c.now()
	entry.dirty = true
}

// now is the clock truncated to the store's millisecond resolution, so
// GetBySender orders sessions the same before and after a reload.
func (c *SessionCache) now() time.Time {
	return c.clock.Now().Truncate(time.Millisecond)
}

// Remove deletes the session from the store and then from the cache.
// If the store delete fails the cached entry is left in place.
func (c *SessionCache) Remove(ctx context.Context, sessionID string) (err error) {
	defer func() { c.metrics.observe("remove", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sessionID]; !ok {
		return notFound("remove", sessionID)
	}
	if err := c.store.DeleteSession(ctx, c.userID, c.deviceID, sessionID); err != nil {
		return newError(KindInternal, "remove", sessionID, err)
	}
	delete(c.entries, sessionID)
	c.metrics.addCached(kindOlm, -1)
	return nil
}

// Persist writes every dirty session to the store in one batch and
// marks them clean. It returns the number written. On failure nothing
// is marked clean.
func (c *SessionCache) Persist(ctx context.Context) (written int, err error) {
	defer func() { c.metrics.observe("persist", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	written, err = c.persistLocked(ctx, nil)
	if err != nil {
		return 0, newError(KindInternal, "persist", "", err)
	}
	return written, nil
}

// persistLocked flushes the dirty entries among ids, or every dirty
// entry when ids is nil.
func (c *SessionCache) persistLocked(ctx context.Context, ids []string) (int, error) {
	if ids == nil {
		for id, entry := range c.entries {
			if entry.dirty {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
	}

	var records []sessionstore.SessionRecord
	var flushed []*sessionEntry
	for _, id := range ids {
		entry, ok := c.entries[id]
		if !ok || !entry.dirty {
			continue
		}
		record, err := c.record(entry)
		if err != nil {
			return 0, err
		}
		records = append(records, record)
		flushed = append(flushed, entry)
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := c.store.UpsertSessions(ctx, records...); err != nil {
		return 0, err
	}
	for _, entry := range flushed {
		entry.dirty = false
	}
	c.metrics.addPersisted(kindOlm, len(records))
	return len(records), nil
}

func (c *SessionCache) record(entry *sessionEntry) (sessionstore.SessionRecord, error) {
	id := entry.session.ID()
	pickle, err := entry.session.Pickle(c.codec.PickleKey())
	if err != nil {
		return sessionstore.SessionRecord{}, err
	}
	sealed, err := c.codec.Seal(sessioncodec.KindOlm, id, pickle)
	if err != nil {
		return sessionstore.SessionRecord{}, fmt.Errorf("sealing session %s: %w", id, err)
	}
	return sessionstore.SessionRecord{
		SessionID:    id,
		UserID:       c.userID,
		DeviceID:     c.deviceID,
		SenderKey:    entry.senderKey,
		ReceiverKey:  entry.receiverKey,
		State:        sealed,
		MessageIndex: entry.session.MessageIndex(),
		CreatedAt:    entry.createdAt,
		LastUsedAt:   entry.lastUsedAt,
		ExpiresAt:    expiresAt(entry.lastUsedAt, c.idleLifetime),
	}, nil
}

// afterMutation flushes sessionID when the cache persists per
// mutation. The entry stays dirty if the flush fails.
func (c *SessionCache) afterMutation(ctx context.Context, op, sessionID string) error {
	if c.persistence != PersistPerMutation {
		return nil
	}
	if _, err := c.persistLocked(ctx, []string{sessionID}); err != nil {
		c.logger.Error("flushing session after mutation failed",
			"operation", op,
			"session_id", sessionID,
			"error", err,
		)
		return newError(KindInternal, op, sessionID, err)
	}
	return nil
}

// Restore replaces the cached session with its last stored state,
// discarding unflushed ratchet steps. If the session has no live row
// it is dropped from the cache and a KindNotFound error is returned.
func (c *SessionCache) Restore(ctx context.Context, sessionID string) (err error) {
	defer func() { c.metrics.observe("restore", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.store.LoadSession(ctx, c.userID, c.deviceID, sessionID)
	if errors.Is(err, sessionstore.ErrNotFound) {
		if _, cached := c.entries[sessionID]; cached {
			delete(c.entries, sessionID)
			c.metrics.addCached(kindOlm, -1)
		}
		return newError(KindNotFound, "restore", sessionID, err)
	}
	if err != nil {
		return newError(KindInternal, "restore", sessionID, err)
	}

	session, err := c.open(record)
	if err != nil {
		return newError(KindInternal, "restore", sessionID, err)
	}
	if _, cached := c.entries[sessionID]; !cached {
		c.metrics.addCached(kindOlm, 1)
	}
	c.entries[sessionID] = &sessionEntry{
		session:     session,
		senderKey:   record.SenderKey,
		receiverKey: record.ReceiverKey,
		createdAt:   record.CreatedAt,
		lastUsedAt:  record.LastUsedAt,
	}
	c.logger.Info("olm session restored from store", "session_id", sessionID)
	return nil
}

// EvictExpired drops clean entries whose stored row is gone or expired
// and returns how many were dropped. Dirty entries are kept.
func (c *SessionCache) EvictExpired(ctx context.Context) (evicted int, err error) {
	defer func() { c.metrics.observe("evict", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	var clean []string
	for id, entry := range c.entries {
		if !entry.dirty {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return 0, nil
	}
	live, err := c.store.LiveSessions(ctx, c.userID, c.deviceID, clean)
	if err != nil {
		return 0, newError(KindInternal, "evict", "", err)
	}
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	for _, id := range clean {
		if alive[id] {
			continue
		}
		delete(c.entries, id)
		evicted++
		c.logger.Debug("evicted expired olm session", "session_id", id)
	}
	c.metrics.addCached(kindOlm, -evicted)
	c.metrics.addReaped(kindOlm, "cache", evicted)
	return evicted, nil
}
