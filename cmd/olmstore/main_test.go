// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/bureau-foundation/olmstore/lib/clock"
	"github.com/bureau-foundation/olmstore/lib/picklekey"
	"github.com/bureau-foundation/olmstore/lib/process"
	"github.com/bureau-foundation/olmstore/lib/sessionstore"
	"github.com/bureau-foundation/olmstore/lib/sqlitepool"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnvironment struct {
	*environment
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	clock  *clock.FakeClock
}

func (e *testEnvironment) withConfig(path string) *testEnvironment {
	e.configPath = path
	return e
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	fake := clock.Fake(testEpoch)
	return &testEnvironment{
		environment: &environment{stdout: stdout, stderr: stderr, clock: fake},
		stdout:      stdout,
		stderr:      stderr,
		clock:       fake,
	}
}

// writeDeployment creates a pickle key and a config file pointing at a
// SQLite database in a temp dir, and returns the config and database
// paths.
func writeDeployment(t *testing.T) (configPath, databasePath string) {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "pickle.key")
	databasePath = filepath.Join(dir, "sessions.db")

	key, err := picklekey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer key.Close()
	if err := picklekey.WriteFile(keyPath, key); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	configPath = filepath.Join(dir, "olmstore.yaml")
	content := fmt.Sprintf(`
environment: development
paths:
  root: %s
store:
  path: %s
pickle_key:
  path: %s
sessions:
  persistence: manual
  idle_lifetime: 1h
`, dir, databasePath, keyPath)
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return configPath, databasePath
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"unknown global flag", []string{"--frobnicate", "stats"}},
		{"unknown command flag", []string{"stats", "--frobnicate"}},
		{"stray argument", []string{"reap", "now"}},
		{"keygen without output", []string{"keygen"}},
		{"bad log level", []string{"--log-level", "loud", "stats"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnvironment(t)
			err := env.run(context.Background(), tt.args)
			if code := process.ExitCode(err); code != process.ExitUsage {
				t.Errorf("run(%q) exit code = %d (%v), want %d", tt.args, code, err, process.ExitUsage)
			}
		})
	}
}

func TestVersionAndHelp(t *testing.T) {
	env := newTestEnvironment(t)
	if err := env.run(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.HasPrefix(env.stdout.String(), "olmstore ") {
		t.Errorf("--version printed %q", env.stdout.String())
	}

	env = newTestEnvironment(t)
	if err := env.run(context.Background(), []string{"--help"}); err != nil {
		t.Fatalf("--help: %v", err)
	}
	for _, name := range []string{"keygen", "serve", "reap", "stats"} {
		if !strings.Contains(env.stdout.String(), name) {
			t.Errorf("--help output does not list %s", name)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(name)
		if err != nil || got != want {
			t.Errorf("parseLevel(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := parseLevel("trace"); err == nil {
		t.Error("parseLevel(trace) = nil error, want error")
	}
}

func TestKeygen(t *testing.T) {
	env := newTestEnvironment(t)
	out := filepath.Join(t.TempDir(), "pickle.key")

	if err := env.run(context.Background(), []string{"keygen", "--out", out}); err != nil {
		t.Fatalf("keygen: %v", err)
	}

	key, err := picklekey.LoadFile(out)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer key.Close()
	if !strings.Contains(env.stderr.String(), key.Fingerprint()) {
		t.Errorf("keygen output %q does not include fingerprint %s", env.stderr.String(), key.Fingerprint())
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	// A second keygen must not replace the key.
	err = newTestEnvironment(t).run(context.Background(), []string{"keygen", "--out", out})
	if err == nil {
		t.Fatal("keygen over an existing file succeeded")
	}
	again, err := picklekey.LoadFile(out)
	if err != nil {
		t.Fatalf("LoadFile after refused overwrite: %v", err)
	}
	defer again.Close()
	if again.Fingerprint() != key.Fingerprint() {
		t.Error("existing key file was modified")
	}
}

func TestKeygenSealed(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	identityPath := filepath.Join(dir, "identity.txt")
	if err := os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "pickle.age")

	env := newTestEnvironment(t)
	err = env.run(context.Background(), []string{"keygen", "--out", out, "--recipient", identity.Recipient().String()})
	if err != nil {
		t.Fatalf("keygen --recipient: %v", err)
	}

	key, err := picklekey.LoadSealed(out, identityPath)
	if err != nil {
		t.Fatalf("LoadSealed: %v", err)
	}
	defer key.Close()
	if !strings.Contains(env.stderr.String(), key.Fingerprint()) {
		t.Errorf("keygen output %q does not include fingerprint %s", env.stderr.String(), key.Fingerprint())
	}
}

func TestStatsAndReap(t *testing.T) {
	configPath, databasePath := writeDeployment(t)
	env := newTestEnvironment(t)
	env.configPath = configPath

	// Create the schema through the command, then seed rows directly.
	if err := env.run(context.Background(), []string{"stats"}); err != nil {
		t.Fatalf("stats on an empty store: %v", err)
	}
	seedRows(t, databasePath, env.clock)

	env.stdout.Reset()
	if err := env.run(context.Background(), []string{"stats", "--json"}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats statsOutput
	if err := json.Unmarshal(env.stdout.Bytes(), &stats); err != nil {
		t.Fatalf("decoding stats %q: %v", env.stdout.String(), err)
	}
	want := statsOutput{Sessions: 2, ExpiredSessions: 1, GroupSessions: 1, ExpiredGroupSessions: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	env.stdout.Reset()
	if err := env.run(context.Background(), []string{"reap", "--json"}); err != nil {
		t.Fatalf("reap: %v", err)
	}
	var reaped reapOutput
	if err := json.Unmarshal(env.stdout.Bytes(), &reaped); err != nil {
		t.Fatalf("decoding reap %q: %v", env.stdout.String(), err)
	}
	if reaped != (reapOutput{Sessions: 1, GroupSessions: 1}) {
		t.Errorf("reap = %+v, want 1 session and 1 group session", reaped)
	}

	env.stdout.Reset()
	if err := env.run(context.Background(), []string{"stats"}); err != nil {
		t.Fatalf("stats after reap: %v", err)
	}
	if !strings.Contains(env.stdout.String(), "olm") || !strings.Contains(env.stdout.String(), "megolm") {
		t.Errorf("stats table = %q", env.stdout.String())
	}
}

func TestOpenRefusesAnotherPickleKey(t *testing.T) {
	configPath, databasePath := writeDeployment(t)
	env := newTestEnvironment(t)
	env.configPath = configPath
	if err := env.run(context.Background(), []string{"stats"}); err != nil {
		t.Fatalf("stats binding the first key: %v", err)
	}
	seedRows(t, databasePath, env.clock)

	keyPath := filepath.Join(filepath.Dir(configPath), "pickle.key")
	if err := os.Remove(keyPath); err != nil {
		t.Fatal(err)
	}
	other, err := picklekey.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer other.Close()
	if err := picklekey.WriteFile(keyPath, other); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err = newTestEnvironment(t).withConfig(configPath).run(context.Background(), []string{"reap"})
	if !errors.Is(err, sessionstore.ErrKeyMismatch) {
		t.Fatalf("reap with another pickle key = %v, want ErrKeyMismatch", err)
	}
	if !strings.Contains(err.Error(), other.Fingerprint()) {
		t.Errorf("error %q does not name the offending key %s", err, other.Fingerprint())
	}

	store, err := sessionstore.OpenSQLite(sessionstore.SQLiteConfig{
		Path:        databasePath,
		Synchronous: sqlitepool.SynchronousNormal,
		Clock:       env.clock,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Sessions != 2 || stats.GroupSessions != 1 {
		t.Errorf("rows after refused open = %+v, want all seeded rows kept", stats)
	}
}

func TestStatsRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "olmstore.yaml")
	if err := os.WriteFile(path, []byte("environment: development\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := newTestEnvironment(t)
	env.configPath = path

	err := env.run(context.Background(), []string{"stats"})
	if err == nil || !strings.Contains(err.Error(), "sessions.persistence") {
		t.Errorf("stats with no persistence mode = %v, want a sessions.persistence error", err)
	}
}

// seedRows writes one live and one expired Olm row and one expired
// Megolm row. The codec is not involved: stats and reap never open
// the sealed state.
func seedRows(t *testing.T, databasePath string, clk *clock.FakeClock) {
	t.Helper()
	store, err := sessionstore.OpenSQLite(sessionstore.SQLiteConfig{
		Path:        databasePath,
		Synchronous: sqlitepool.SynchronousNormal,
		Clock:       clk,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	past := testEpoch.Add(-time.Minute)
	future := testEpoch.Add(time.Hour)
	record := func(id string, expiresAt *time.Time) sessionstore.SessionRecord {
		return sessionstore.SessionRecord{
			SessionID:   id,
			UserID:      "@alice:example.org",
			DeviceID:    "ALICE",
			SenderKey:   "sender-" + id,
			ReceiverKey: "receiver",
			State:       []byte("opaque"),
			CreatedAt:   testEpoch.Add(-2 * time.Hour),
			LastUsedAt:  testEpoch.Add(-2 * time.Hour),
			ExpiresAt:   expiresAt,
		}
	}
	ctx := context.Background()
	if err := store.UpsertSessions(ctx, record("live", &future), record("stale", &past)); err != nil {
		t.Fatalf("UpsertSessions: %v", err)
	}
	err = store.UpsertGroupSessions(ctx, sessionstore.GroupSessionRecord{
		SessionID:  "group",
		UserID:     "@alice:example.org",
		DeviceID:   "ALICE",
		Direction:  sessionstore.DirectionInbound,
		RoomID:     "!room:example.org",
		SenderKey:  "sender",
		State:      []byte("opaque"),
		CreatedAt:  testEpoch.Add(-2 * time.Hour),
		LastUsedAt: testEpoch.Add(-2 * time.Hour),
		ExpiresAt:  &past,
	})
	if err != nil {
		t.Fatalf("UpsertGroupSessions: %v", err)
	}
}
