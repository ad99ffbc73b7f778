// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/olmstore/lib/clock"
	"github.com/bureau-foundation/olmstore/lib/olm"
	"github.com/bureau-foundation/olmstore/lib/picklekey"
	"github.com/bureau-foundation/olmstore/lib/sessioncodec"
	"github.com/bureau-foundation/olmstore/lib/sessionstore"
	"github.com/bureau-foundation/olmstore/lib/sqlitepool"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	aliceUser   = "@alice:example.org"
	aliceDevice = "ALICEDEVICE"
	bobUser     = "@bob:example.org"
	bobDevice   = "BOBDEVICE"
)

// testEnv is one homeserver's worth of shared state: a store, a codec
// and a clock. Caches built from the same env see each other's rows,
// so building a second cache for a scope simulates a restart.
type testEnv struct {
	clock   *clock.FakeClock
	store   *sessionstore.SQLite
	codec   *sessioncodec.Codec
	metrics *Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := clock.Fake(testEpoch)
	store, err := sessionstore.OpenSQLite(sessionstore.SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "sessions.db"),
		Synchronous: sqlitepool.SynchronousNormal,
		Clock:       fake,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &testEnv{clock: fake, store: store, codec: newTestCodec(t), metrics: newTestMetrics(t)}
}

// withNewKey returns an env over the same store and clock whose codec
// uses a freshly generated pickle key, as after a key rotation gone
// wrong.
func (e *testEnv) withNewKey(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{clock: e.clock, store: e.store, codec: newTestCodec(t), metrics: newTestMetrics(t)}
}

func newTestCodec(t *testing.T) *sessioncodec.Codec {
	t.Helper()
	key, err := picklekey.Generate()
	if err != nil {
		t.Fatalf("picklekey.Generate: %v", err)
	}
	defer key.Close()
	codec, err := sessioncodec.New(key, sessioncodec.CompressionZstd)
	if err != nil {
		t.Fatalf("sessioncodec.New: %v", err)
	}
	t.Cleanup(func() { codec.Close() })
	return codec
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return metrics
}

func (e *testEnv) cacheConfig(userID, deviceID string, mode PersistMode, idleLifetime time.Duration) CacheConfig {
	return CacheConfig{
		UserID:       userID,
		DeviceID:     deviceID,
		Codec:        e.codec,
		Persistence:  mode,
		IdleLifetime: idleLifetime,
		Clock:        e.clock,
		Metrics:      e.metrics,
	}
}

func (e *testEnv) sessionCache(t *testing.T, userID, deviceID string, mode PersistMode, idleLifetime time.Duration) *SessionCache {
	t.Helper()
	cache, err := NewSessionCache(e.store, e.cacheConfig(userID, deviceID, mode, idleLifetime))
	if err != nil {
		t.Fatalf("NewSessionCache: %v", err)
	}
	if _, err := cache.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cache
}

func (e *testEnv) groupCache(t *testing.T, userID, deviceID string, mode PersistMode) *GroupSessionCache {
	t.Helper()
	cache, err := NewGroupSessionCache(e.store, e.cacheConfig(userID, deviceID, mode, 0))
	if err != nil {
		t.Fatalf("NewGroupSessionCache: %v", err)
	}
	if _, err := cache.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cache
}

// device is an account plus the cache holding its sessions.
type device struct {
	account *olm.Account
	cache   *SessionCache
}

func newDevice(t *testing.T, env *testEnv, userID, deviceID string, mode PersistMode) *device {
	t.Helper()
	account, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	return &device{account: account, cache: env.sessionCache(t, userID, deviceID, mode, 0)}
}

func (d *device) identityKey() string {
	return d.account.Curve25519Key().String()
}

// publishOneTimeKey generates and publishes one key and returns it.
func (d *device) publishOneTimeKey(t *testing.T) string {
	t.Helper()
	if err := d.account.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	keys, err := d.account.OneTimeKeys()
	if err != nil {
		t.Fatalf("OneTimeKeys: %v", err)
	}
	d.account.MarkKeysAsPublished()
	for _, key := range keys {
		return key
	}
	t.Fatal("OneTimeKeys returned nothing")
	return ""
}

// connect runs the handshake from sender to recipient and returns both
// session ids.
func connect(t *testing.T, sender, recipient *device) (senderSession, recipientSession string) {
	t.Helper()
	ctx := context.Background()
	initial, err := sender.cache.CreateOutbound(ctx, sender.account, recipient.identityKey(), recipient.publishOneTimeKey(t))
	if err != nil {
		t.Fatalf("CreateOutbound: %v", err)
	}
	inbound, err := recipient.cache.CreateInbound(ctx, recipient.account, sender.identityKey(), initial.Ciphertext)
	if err != nil {
		t.Fatalf("CreateInbound: %v", err)
	}
	return initial.SessionID, inbound.SessionID
}

func mustEncrypt(t *testing.T, cache *SessionCache, sessionID, plaintext string) EncryptedMessage {
	t.Helper()
	message, err := cache.Encrypt(context.Background(), sessionID, []byte(plaintext))
	if err != nil {
		t.Fatalf("Encrypt(%s): %v", sessionID, err)
	}
	return message
}

func mustDecrypt(t *testing.T, cache *SessionCache, sessionID string, message EncryptedMessage, want string) {
	t.Helper()
	decrypted, err := cache.Decrypt(context.Background(), sessionID, message.MessageType, message.Ciphertext)
	if err != nil {
		t.Fatalf("Decrypt(%s): %v", sessionID, err)
	}
	if string(decrypted.Plaintext) != want {
		t.Fatalf("Decrypt(%s) = %q, want %q", sessionID, decrypted.Plaintext, want)
	}
}
