// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/olmstore/lib/clock"
	"github.com/bureau-foundation/olmstore/lib/sessioncodec"
	"github.com/bureau-foundation/olmstore/lib/sessionstore"
)

// Config holds the parameters for NewManager.
type Config struct {
	// Store is the durable backend. Required.
	Store Store

	// Codec seals ratchet state. Required. The Manager does not close
	// it.
	Codec *sessioncodec.Codec

	// Persistence selects when dirty sessions are flushed. Required;
	// there is no default.
	Persistence PersistMode

	// IdleLifetime is how long a stored session survives without use.
	// Zero means forever.
	IdleLifetime time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Metrics may be nil.
	Metrics *Metrics

	// Logger defaults to discarding output.
	Logger *slog.Logger
}

// Manager owns the session caches of every (user, device) scope served
// by the process. Caches are created and loaded on first use. Safe for
// concurrent use.
type Manager struct {
	store  Store
	config CacheConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	scopes map[scopeKey]*scope
}

type scopeKey struct {
	userID   string
	deviceID string
}

type scope struct {
	sessions *SessionCache
	groups   *GroupSessionCache
}

// NewManager validates cfg and returns an empty Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("e2ee: Store is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("e2ee: Codec is required")
	}
	if _, err := ParsePersistMode(string(cfg.Persistence)); err != nil {
		return nil, fmt.Errorf("e2ee: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store: cfg.Store,
		config: CacheConfig{
			Codec:        cfg.Codec,
			Persistence:  cfg.Persistence,
			IdleLifetime: cfg.IdleLifetime,
			Clock:        cfg.Clock,
			Metrics:      cfg.Metrics,
			Logger:       cfg.Logger,
		},
		logger: cfg.Logger,
		scopes: make(map[scopeKey]*scope),
	}, nil
}

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("e2ee: manager is closed")

func (m *Manager) scope(userID, deviceID string) (*scope, error) {
	if err := ValidateScope(userID, deviceID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, newError(KindInternal, "scope", "", ErrClosed)
	}
	key := scopeKey{userID, deviceID}
	if existing, ok := m.scopes[key]; ok {
		return existing, nil
	}

	cfg := m.config
	cfg.UserID, cfg.DeviceID = userID, deviceID
	sessions, err := NewSessionCache(m.store, cfg)
	if err != nil {
		return nil, err
	}
	cfg = m.config
	cfg.UserID, cfg.DeviceID = userID, deviceID
	groups, err := NewGroupSessionCache(m.store, cfg)
	if err != nil {
		return nil, err
	}
	created := &scope{sessions: sessions, groups: groups}
	m.scopes[key] = created
	return created, nil
}

// Sessions returns the Olm cache for the scope, loading it from the
// store the first time. A failed load is retried on the next call.
func (m *Manager) Sessions(ctx context.Context, userID, deviceID string) (*SessionCache, error) {
	s, err := m.scope(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return s.sessions, nil
}

// GroupSessions returns the Megolm cache for the scope, loading it
// from the store the first time.
func (m *Manager) GroupSessions(ctx context.Context, userID, deviceID string) (*GroupSessionCache, error) {
	s, err := m.scope(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if err := s.groups.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return s.groups, nil
}

// snapshot returns the current scopes in a stable order.
func (m *Manager) snapshot() []*scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]scopeKey, 0, len(m.scopes))
	for key := range m.scopes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].deviceID < keys[j].deviceID
	})
	scopes := make([]*scope, len(keys))
	for i, key := range keys {
		scopes[i] = m.scopes[key]
	}
	return scopes
}

// PersistAll flushes every scope's dirty sessions and returns how many
// rows were written. A failing scope does not stop the others; the
// failures are joined.
func (m *Manager) PersistAll(ctx context.Context) (int, error) {
	var written int
	var errs []error
	for _, s := range m.snapshot() {
		count, err := s.sessions.Persist(ctx)
		written += count
		if err != nil {
			errs = append(errs, err)
		}
		count, err = s.groups.Persist(ctx)
		written += count
		if err != nil {
			errs = append(errs, err)
		}
	}
	if written > 0 {
		m.logger.Debug("flushed dirty sessions", "written", written)
	}
	return written, errors.Join(errs...)
}

// ReapResult counts what one Reap removed.
type ReapResult struct {
	// StoredSessions and StoredGroupSessions are expired rows deleted
	// from the store.
	StoredSessions      int
	StoredGroupSessions int
	// EvictedSessions and EvictedGroupSessions are cache entries
	// dropped because their rows were gone.
	EvictedSessions      int
	EvictedGroupSessions int
}

// Reap deletes expired rows from the store and then evicts cached
// sessions whose rows no longer exist.
func (m *Manager) Reap(ctx context.Context) (ReapResult, error) {
	var result ReapResult
	var err error
	result.StoredSessions, err = m.store.DeleteExpiredSessions(ctx)
	if err != nil {
		return result, newError(KindInternal, "reap", "", err)
	}
	m.config.Metrics.addReaped(kindOlm, "store", result.StoredSessions)
	result.StoredGroupSessions, err = m.store.DeleteExpiredGroupSessions(ctx)
	if err != nil {
		return result, newError(KindInternal, "reap", "", err)
	}
	m.config.Metrics.addReaped(kindMegolm, "store", result.StoredGroupSessions)

	var errs []error
	for _, s := range m.snapshot() {
		evicted, err := s.sessions.EvictExpired(ctx)
		result.EvictedSessions += evicted
		if err != nil {
			errs = append(errs, err)
		}
		evicted, err = s.groups.EvictExpired(ctx)
		result.EvictedGroupSessions += evicted
		if err != nil {
			errs = append(errs, err)
		}
	}

	if result != (ReapResult{}) {
		m.logger.Info("reaped expired sessions",
			"stored_sessions", result.StoredSessions,
			"stored_group_sessions", result.StoredGroupSessions,
			"evicted_sessions", result.EvictedSessions,
			"evicted_group_sessions", result.EvictedGroupSessions,
		)
	}
	return result, errors.Join(errs...)
}

// Stats describes the Manager's caches and the store behind them.
type Stats struct {
	Scopes              int
	CachedSessions      int
	CachedGroupSessions int
	Store               sessionstore.Stats
}

// Stats counts cached sessions and queries the store's row counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	scopes := m.snapshot()
	stats := Stats{Scopes: len(scopes)}
	for _, s := range scopes {
		stats.CachedSessions += s.sessions.Count()
		stats.CachedGroupSessions += s.groups.Count()
	}
	stored, err := m.store.Stats(ctx)
	if err != nil {
		return stats, newError(KindInternal, "stats", "", err)
	}
	stats.Store = stored
	return stats, nil
}

// Close flushes every dirty session and refuses further scope lookups.
// Caches already handed out keep working. Close does not close the
// store or the codec.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	_, err := m.PersistAll(ctx)
	return err
}
