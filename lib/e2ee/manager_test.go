// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/olmstore/lib/olm"
)

func newTestManager(t *testing.T, env *testEnv, mode PersistMode, idleLifetime time.Duration) *Manager {
	t.Helper()
	manager, err := NewManager(Config{
		Store:        env.store,
		Codec:        env.codec,
		Persistence:  mode,
		IdleLifetime: idleLifetime,
		Clock:        env.clock,
		Metrics:      env.metrics,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

// managedDevice returns a device whose cache comes from manager.
func managedDevice(t *testing.T, manager *Manager, userID, deviceID string) *device {
	t.Helper()
	account, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	cache, err := manager.Sessions(context.Background(), userID, deviceID)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	return &device{account: account, cache: cache}
}

func TestNewManagerValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := NewManager(Config{Codec: env.codec, Persistence: PersistManual}); err == nil {
		t.Error("NewManager without Store succeeded")
	}
	if _, err := NewManager(Config{Store: env.store, Persistence: PersistManual}); err == nil {
		t.Error("NewManager without Codec succeeded")
	}
	if _, err := NewManager(Config{Store: env.store, Codec: env.codec}); err == nil {
		t.Error("NewManager without a persistence mode succeeded")
	}
}

func TestManagerScopes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	manager := newTestManager(t, env, PersistManual, 0)

	first, err := manager.Sessions(ctx, aliceUser, aliceDevice)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	again, err := manager.Sessions(ctx, aliceUser, aliceDevice)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if first != again {
		t.Fatal("Sessions returned a different cache for the same scope")
	}
	other, err := manager.Sessions(ctx, aliceUser, "ALICEPHONE")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if other == first {
		t.Fatal("two devices share a cache")
	}
	if first.UserID() != aliceUser || first.DeviceID() != aliceDevice {
		t.Fatalf("cache scope = %s/%s", first.UserID(), first.DeviceID())
	}

	for _, userID := range []string{"alice", "@alice", "@:example.org", "alice:example.org"} {
		if _, err := manager.Sessions(ctx, userID, aliceDevice); !IsKind(err, KindBadRequest) {
			t.Errorf("Sessions(%q) err = %v, want bad request", userID, err)
		}
	}
	if _, err := manager.GroupSessions(ctx, aliceUser, ""); !IsKind(err, KindBadRequest) {
		t.Errorf("GroupSessions with empty device err = %v, want bad request", err)
	}
}

func TestManagerRestartAndClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	manager := newTestManager(t, env, PersistPeriodic, 0)
	alice := managedDevice(t, manager, aliceUser, aliceDevice)
	bob := newDevice(t, env, bobUser, bobDevice, PersistManual)
	aliceSession, _ := connect(t, alice, bob)

	groups, err := manager.GroupSessions(ctx, aliceUser, aliceDevice)
	if err != nil {
		t.Fatalf("GroupSessions: %v", err)
	}
	if _, _, err := groups.CreateOutbound(ctx, testRoom, alice.identityKey()); err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}

	if err := manager.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := manager.Sessions(ctx, aliceUser, aliceDevice); !errors.Is(err, ErrClosed) {
		t.Fatalf("Sessions after Close err = %v, want ErrClosed", err)
	}

	restarted := newTestManager(t, env, PersistPeriodic, 0)
	cache, err := restarted.Sessions(ctx, aliceUser, aliceDevice)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if !cache.Contains(aliceSession) {
		t.Fatal("session flushed by Close is missing after restart")
	}
	restartedGroups, err := restarted.GroupSessions(ctx, aliceUser, aliceDevice)
	if err != nil {
		t.Fatalf("GroupSessions: %v", err)
	}
	if restartedGroups.Count() != 2 {
		t.Fatalf("restarted group Count() = %d, want 2", restartedGroups.Count())
	}

	stats, err := restarted.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Scopes != 1 || stats.CachedSessions != 1 || stats.CachedGroupSessions != 2 {
		t.Fatalf("Stats = %+v, want 1 scope with 1 session and 2 group sessions", stats)
	}
	if stats.Store.Sessions != 1 || stats.Store.GroupSessions != 2 {
		t.Fatalf("Stats.Store = %+v, want 1 session and 2 group rows", stats.Store)
	}
}

func TestManagerPersistAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	manager := newTestManager(t, env, PersistPeriodic, 0)
	alice := managedDevice(t, manager, aliceUser, aliceDevice)
	bob := managedDevice(t, manager, bobUser, bobDevice)
	connect(t, alice, bob)

	written, err := manager.PersistAll(ctx)
	if err != nil {
		t.Fatalf("PersistAll: %v", err)
	}
	if written != 2 {
		t.Fatalf("PersistAll wrote %d, want 2", written)
	}
	if written, err := manager.PersistAll(ctx); err != nil || written != 0 {
		t.Fatalf("second PersistAll = %d, %v, want 0", written, err)
	}
}

func TestReapEvictsExpiredCleanSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	manager := newTestManager(t, env, PersistManual, time.Hour)
	alice := managedDevice(t, manager, aliceUser, aliceDevice)
	bob := newDevice(t, env, bobUser, bobDevice, PersistManual)

	expiring, _ := connect(t, alice, bob)
	groups, err := manager.GroupSessions(ctx, aliceUser, aliceDevice)
	if err != nil {
		t.Fatalf("GroupSessions: %v", err)
	}
	if _, _, err := groups.CreateOutbound(ctx, testRoom, alice.identityKey()); err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}
	if _, err := manager.PersistAll(ctx); err != nil {
		t.Fatalf("PersistAll: %v", err)
	}

	env.clock.Advance(2 * time.Hour)
	// Used after its row's expiry was computed: must survive the sweep.
	unflushed, _ := connect(t, alice, bob)

	result, err := manager.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	want := ReapResult{StoredSessions: 1, StoredGroupSessions: 2, EvictedSessions: 1, EvictedGroupSessions: 2}
	if result != want {
		t.Fatalf("Reap = %+v, want %+v", result, want)
	}
	if alice.cache.Contains(expiring) {
		t.Fatal("expired session still cached")
	}
	if !alice.cache.Contains(unflushed) {
		t.Fatal("dirty session was evicted")
	}
	if groups.Count() != 0 {
		t.Fatalf("group Count() = %d after reap, want 0", groups.Count())
	}

	if got := promtest.ToFloat64(env.metrics.reaped.WithLabelValues(kindOlm, "store")); got != 1 {
		t.Errorf("reaped{olm,store} = %v, want 1", got)
	}
	if got := promtest.ToFloat64(env.metrics.reaped.WithLabelValues(kindMegolm, "cache")); got != 2 {
		t.Errorf("reaped{megolm,cache} = %v, want 2", got)
	}

	// Nothing left to do.
	result, err = manager.Reap(ctx)
	if err != nil {
		t.Fatalf("second Reap: %v", err)
	}
	if result != (ReapResult{}) {
		t.Fatalf("second Reap = %+v, want nothing", result)
	}
}
