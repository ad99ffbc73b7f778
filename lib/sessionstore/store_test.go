// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/olmstore/lib/clock"
)

// backend is the method set both stores implement.
type backend interface {
	LoadSessions(ctx context.Context, userID, deviceID string) ([]SessionRecord, error)
	BindKeyFingerprint(ctx context.Context, fingerprint string) error
	LoadSession(ctx context.Context, userID, deviceID, sessionID string) (SessionRecord, error)
	UpsertSessions(ctx context.Context, records ...SessionRecord) error
	DeleteSession(ctx context.Context, userID, deviceID, sessionID string) error
	DeleteExpiredSessions(ctx context.Context) (int, error)
	LiveSessions(ctx context.Context, userID, deviceID string, sessionIDs []string) ([]string, error)
	LoadGroupSessions(ctx context.Context, userID, deviceID string) ([]GroupSessionRecord, error)
	LoadGroupSession(ctx context.Context, userID, deviceID string, key GroupKey) (GroupSessionRecord, error)
	UpsertGroupSessions(ctx context.Context, records ...GroupSessionRecord) error
	DeleteGroupSession(ctx context.Context, userID, deviceID string, key GroupKey) error
	DeleteExpiredGroupSessions(ctx context.Context) (int, error)
	LiveGroupSessions(ctx context.Context, userID, deviceID string, keys []GroupKey) ([]GroupKey, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

var (
	_ backend = (*SQLite)(nil)
	_ backend = (*Postgres)(nil)
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func at(offset time.Duration) *time.Time {
	t := testEpoch.Add(offset)
	return &t
}

func sessionRecord(id, user, device string, expiresAt *time.Time) SessionRecord {
	return SessionRecord{
		SessionID:    id,
		UserID:       user,
		DeviceID:     device,
		SenderKey:    "sender-" + id,
		ReceiverKey:  "receiver-" + device,
		State:        []byte("sealed-" + id),
		MessageIndex: 3,
		CreatedAt:    testEpoch,
		LastUsedAt:   testEpoch,
		ExpiresAt:    expiresAt,
	}
}

func groupRecord(id string, direction Direction, expiresAt *time.Time) GroupSessionRecord {
	return GroupSessionRecord{
		SessionID:    id,
		UserID:       "@alice:example.org",
		DeviceID:     "ALICE",
		Direction:    direction,
		RoomID:       "!room:example.org",
		SenderKey:    "sender-" + id,
		State:        []byte("sealed-" + string(direction) + "-" + id),
		MessageIndex: 7,
		CreatedAt:    testEpoch,
		LastUsedAt:   testEpoch,
		ExpiresAt:    expiresAt,
	}
}

func sessionIDs(records []SessionRecord) []string {
	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.SessionID
	}
	slices.Sort(ids)
	return ids
}

// runStoreSuite runs the shared behavioural tests against a backend.
// open must return an empty store driven by the given clock.
func runStoreSuite(t *testing.T, open func(t *testing.T, clock clock.Clock) backend) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		store := open(t, clock.Fake(testEpoch))
		want := sessionRecord("s1", "@alice:example.org", "ALICE", at(time.Hour))
		if err := store.UpsertSessions(ctx, want); err != nil {
			t.Fatalf("UpsertSessions: %v", err)
		}

		got, err := store.LoadSession(ctx, "@alice:example.org", "ALICE", "s1")
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if got.SenderKey != want.SenderKey || got.ReceiverKey != want.ReceiverKey {
			t.Errorf("keys = %q/%q, want %q/%q", got.SenderKey, got.ReceiverKey, want.SenderKey, want.ReceiverKey)
		}
		if !bytes.Equal(got.State, want.State) {
			t.Errorf("State = %q, want %q", got.State, want.State)
		}
		if got.MessageIndex != 3 {
			t.Errorf("MessageIndex = %d, want 3", got.MessageIndex)
		}
		if !got.CreatedAt.Equal(testEpoch) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, testEpoch)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*want.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
		}

		if _, err := store.LoadSession(ctx, "@alice:example.org", "ALICE", "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadSession(missing) err = %v, want ErrNotFound", err)
		}
	})

	t.Run("KeyBinding", func(t *testing.T) {
		store := open(t, clock.Fake(testEpoch))
		if err := store.BindKeyFingerprint(ctx, "0011223344556677"); err != nil {
			t.Fatalf("BindKeyFingerprint(first): %v", err)
		}
		if err := store.BindKeyFingerprint(ctx, "0011223344556677"); err != nil {
			t.Fatalf("BindKeyFingerprint(same key): %v", err)
		}
		err := store.BindKeyFingerprint(ctx, "8899aabbccddeeff")
		if !errors.Is(err, ErrKeyMismatch) {
			t.Fatalf("BindKeyFingerprint(other key) err = %v, want ErrKeyMismatch", err)
		}
		if err := store.BindKeyFingerprint(ctx, "0011223344556677"); err != nil {
			t.Fatalf("BindKeyFingerprint after a refused key: %v", err)
		}
	})

	t.Run("UpsertKeepsCreatedAt", func(t *testing.T) {
		store := open(t, clock.Fake(testEpoch))
		record := sessionRecord("s1", "@alice:example.org", "ALICE", nil)
		if err := store.UpsertSessions(ctx, record); err != nil {
			t.Fatalf("UpsertSessions: %v", err)
		}

		record.CreatedAt = testEpoch.Add(time.Hour)
		record.LastUsedAt = testEpoch.Add(time.Hour)
		record.State = []byte("advanced")
		record.MessageIndex = 4
		if err := store.UpsertSessions(ctx, record); err != nil {
			t.Fatalf("UpsertSessions (update): %v", err)
		}

		got, err := store.LoadSession(ctx, "@alice:example.org", "ALICE", "s1")
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if !got.CreatedAt.Equal(testEpoch) {
			t.Errorf("CreatedAt = %v after update, want %v", got.CreatedAt, testEpoch)
		}
		if !got.LastUsedAt.Equal(testEpoch.Add(time.Hour)) {
			t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, testEpoch.Add(time.Hour))
		}
		if string(got.State) != "advanced" || got.MessageIndex != 4 {
			t.Errorf("State/MessageIndex = %q/%d, want advanced/4", got.State, got.MessageIndex)
		}
		if got.ExpiresAt != nil {
			t.Errorf("ExpiresAt = %v, want nil", got.ExpiresAt)
		}
	})

	t.Run("ScopeIsolation", func(t *testing.T) {
		store := open(t, clock.Fake(testEpoch))
		err := store.UpsertSessions(ctx,
			sessionRecord("a1", "@alice:example.org", "ALICE", nil),
			sessionRecord("a2", "@alice:example.org", "ALICE", nil),
			sessionRecord("b1", "@bob:example.org", "BOB", nil),
			sessionRecord("a3", "@alice:example.org", "PHONE", nil),
		)
		if err != nil {
			t.Fatalf("UpsertSessions: %v", err)
		}

		records, err := store.LoadSessions(ctx, "@alice:example.org", "ALICE")
		if err != nil {
			t.Fatalf("LoadSessions: %v", err)
		}
		if got := sessionIDs(records); !slices.Equal(got, []string{"a1", "a2"}) {
			t.Fatalf("LoadSessions = %v, want [a1 a2]", got)
		}

		// Both ends of a handshake share a session id; each device
		// keeps its own row.
		mirror := sessionRecord("a1", "@bob:example.org", "BOB", nil)
		mirror.State = []byte("bob's side")
		if err := store.UpsertSessions(ctx, mirror); err != nil {
			t.Fatalf("UpsertSessions(same id, other device): %v", err)
		}
		got, err := store.LoadSession(ctx, "@alice:example.org", "ALICE", "a1")
		if err != nil {
			t.Fatalf("LoadSession(alice a1): %v", err)
		}
		if string(got.State) != "sealed-a1" {
			t.Fatalf("alice's a1 state = %q after bob's upsert", got.State)
		}
		got, err = store.LoadSession(ctx, "@bob:example.org", "BOB", "a1")
		if err != nil {
			t.Fatalf("LoadSession(bob a1): %v", err)
		}
		if string(got.State) != "bob's side" {
			t.Fatalf("bob's a1 state = %q, want %q", got.State, "bob's side")
		}
		if _, err := store.LoadSession(ctx, "@alice:example.org", "PHONE", "a1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadSession(a1 under PHONE) err = %v, want ErrNotFound", err)
		}

		if err := store.DeleteSession(ctx, "@bob:example.org", "BOB", "a1"); err != nil {
			t.Fatalf("DeleteSession(other scope): %v", err)
		}
		if _, err := store.LoadSession(ctx, "@alice:example.org", "ALICE", "a1"); err != nil {
			t.Fatalf("DeleteSession from another scope removed alice's a1: %v", err)
		}
		if err := store.DeleteSession(ctx, "@alice:example.org", "ALICE", "a1"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := store.LoadSession(ctx, "@alice:example.org", "ALICE", "a1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadSession after delete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		fake := clock.Fake(testEpoch)
		store := open(t, fake)
		err := store.UpsertSessions(ctx,
			sessionRecord("never", "@alice:example.org", "ALICE", nil),
			sessionRecord("soon", "@alice:example.org", "ALICE", at(time.Minute)),
			sessionRecord("later", "@alice:example.org", "ALICE", at(time.Hour)),
			sessionRecord("exact", "@alice:example.org", "ALICE", at(10*time.Minute)),
		)
		if err != nil {
			t.Fatalf("UpsertSessions: %v", err)
		}

		fake.Advance(10 * time.Minute)

		records, err := store.LoadSessions(ctx, "@alice:example.org", "ALICE")
		if err != nil {
			t.Fatalf("LoadSessions: %v", err)
		}
		// expires_at == now is not yet expired.
		if got := sessionIDs(records); !slices.Equal(got, []string{"exact", "later", "never"}) {
			t.Fatalf("LoadSessions = %v, want [exact later never]", got)
		}
		if _, err := store.LoadSession(ctx, "@alice:example.org", "ALICE", "soon"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadSession(expired) err = %v, want ErrNotFound", err)
		}

		live, err := store.LiveSessions(ctx, "@alice:example.org", "ALICE", []string{"never", "soon", "gone"})
		if err != nil {
			t.Fatalf("LiveSessions: %v", err)
		}
		if !slices.Equal(live, []string{"never"}) {
			t.Fatalf("LiveSessions = %v, want [never]", live)
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Sessions != 4 || stats.ExpiredSessions != 1 {
			t.Fatalf("Stats = %+v, want 4 sessions with 1 expired", stats)
		}

		deleted, err := store.DeleteExpiredSessions(ctx)
		if err != nil {
			t.Fatalf("DeleteExpiredSessions: %v", err)
		}
		if deleted != 1 {
			t.Fatalf("DeleteExpiredSessions = %d, want 1", deleted)
		}

		fake.Advance(2 * time.Hour)
		deleted, err = store.DeleteExpiredSessions(ctx)
		if err != nil {
			t.Fatalf("DeleteExpiredSessions: %v", err)
		}
		if deleted != 2 {
			t.Fatalf("second DeleteExpiredSessions = %d, want 2", deleted)
		}
		stats, err = store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Sessions != 1 {
			t.Fatalf("Stats.Sessions = %d after sweeps, want 1", stats.Sessions)
		}
	})

	t.Run("LiveSessionsEmpty", func(t *testing.T) {
		store := open(t, clock.Fake(testEpoch))
		live, err := store.LiveSessions(ctx, "@alice:example.org", "ALICE", nil)
		if err != nil {
			t.Fatalf("LiveSessions(nil): %v", err)
		}
		if len(live) != 0 {
			t.Fatalf("LiveSessions(nil) = %v, want empty", live)
		}
	})

	t.Run("GroupSessions", func(t *testing.T) {
		fake := clock.Fake(testEpoch)
		store := open(t, fake)

		// A sender keeps both directions of its own session under one id.
		err := store.UpsertGroupSessions(ctx,
			groupRecord("g1", DirectionOutbound, nil),
			groupRecord("g1", DirectionInbound, nil),
			groupRecord("g2", DirectionInbound, at(time.Minute)),
		)
		if err != nil {
			t.Fatalf("UpsertGroupSessions: %v", err)
		}

		records, err := store.LoadGroupSessions(ctx, "@alice:example.org", "ALICE")
		if err != nil {
			t.Fatalf("LoadGroupSessions: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("LoadGroupSessions returned %d records, want 3", len(records))
		}

		outbound, err := store.LoadGroupSession(ctx, "@alice:example.org", "ALICE", GroupKey{DirectionOutbound, "g1"})
		if err != nil {
			t.Fatalf("LoadGroupSession: %v", err)
		}
		if string(outbound.State) != "sealed-outbound-g1" || outbound.RoomID != "!room:example.org" {
			t.Fatalf("outbound record = %q in %q", outbound.State, outbound.RoomID)
		}

		updated := groupRecord("g1", DirectionOutbound, nil)
		updated.MessageIndex = 8
		if err := store.UpsertGroupSessions(ctx, updated); err != nil {
			t.Fatalf("UpsertGroupSessions (update): %v", err)
		}
		outbound, err = store.LoadGroupSession(ctx, "@alice:example.org", "ALICE", GroupKey{DirectionOutbound, "g1"})
		if err != nil {
			t.Fatalf("LoadGroupSession: %v", err)
		}
		if outbound.MessageIndex != 8 {
			t.Fatalf("MessageIndex = %d after update, want 8", outbound.MessageIndex)
		}

		fake.Advance(time.Hour)
		live, err := store.LiveGroupSessions(ctx, "@alice:example.org", "ALICE", []GroupKey{
			{DirectionOutbound, "g1"}, {DirectionInbound, "g2"}, {DirectionOutbound, "g2"},
		})
		if err != nil {
			t.Fatalf("LiveGroupSessions: %v", err)
		}
		if len(live) != 1 || live[0] != (GroupKey{DirectionOutbound, "g1"}) {
			t.Fatalf("LiveGroupSessions = %v, want [outbound:g1]", live)
		}

		deleted, err := store.DeleteExpiredGroupSessions(ctx)
		if err != nil {
			t.Fatalf("DeleteExpiredGroupSessions: %v", err)
		}
		if deleted != 1 {
			t.Fatalf("DeleteExpiredGroupSessions = %d, want 1", deleted)
		}

		if err := store.DeleteGroupSession(ctx, "@alice:example.org", "ALICE", GroupKey{DirectionInbound, "g1"}); err != nil {
			t.Fatalf("DeleteGroupSession: %v", err)
		}
		if _, err := store.LoadGroupSession(ctx, "@alice:example.org", "ALICE", GroupKey{DirectionInbound, "g1"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadGroupSession after delete err = %v, want ErrNotFound", err)
		}
		if _, err := store.LoadGroupSession(ctx, "@alice:example.org", "ALICE", GroupKey{DirectionOutbound, "g1"}); err != nil {
			t.Fatalf("deleting the inbound copy removed the outbound row: %v", err)
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.GroupSessions != 1 || stats.ExpiredGroupSessions != 0 {
			t.Fatalf("Stats = %+v, want 1 group session", stats)
		}
	})
}
