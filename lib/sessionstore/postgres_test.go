// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bureau-foundation/olmstore/lib/clock"
)

// postgresDSN returns the test database DSN or skips. The tests
// truncate both session tables, so point this at a scratch database.
func postgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("OLMSTORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OLMSTORE_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func openTestPostgres(t *testing.T, c clock.Clock) backend {
	t.Helper()
	ctx := context.Background()
	store, err := OpenPostgres(ctx, PostgresConfig{
		DSN:             postgresDSN(t),
		MaxConns:        4,
		ConnectAttempts: 1,
		Clock:           c,
		Logger:          discardLogger(),
	})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	if _, err := store.pool.Exec(ctx, "TRUNCATE store_meta, olm_sessions, megolm_sessions"); err != nil {
		t.Fatalf("truncating tables: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	postgresDSN(t)
	runStoreSuite(t, openTestPostgres)
}

func TestOpenPostgresValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenPostgres(ctx, PostgresConfig{Clock: clock.Real(), Logger: discardLogger()}); err == nil {
		t.Fatal("OpenPostgres without DSN succeeded")
	}
	if _, err := OpenPostgres(ctx, PostgresConfig{DSN: "postgres://localhost/x", Logger: discardLogger()}); err == nil {
		t.Fatal("OpenPostgres without Clock succeeded")
	}
	if _, err := OpenPostgres(ctx, PostgresConfig{DSN: "::not a dsn::", Clock: clock.Real(), Logger: discardLogger()}); err == nil {
		t.Fatal("OpenPostgres with a malformed DSN succeeded")
	}
}

func TestOpenPostgresGivesUpAfterAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Port 1 on loopback refuses connections immediately.
	_, err := OpenPostgres(ctx, PostgresConfig{
		DSN:             "postgres://olmstore@127.0.0.1:1/olmstore?connect_timeout=1",
		ConnectAttempts: 2,
		ConnectInterval: 10 * time.Millisecond,
		Clock:           clock.Real(),
		Logger:          discardLogger(),
	})
	if err == nil {
		t.Fatal("OpenPostgres against a closed port succeeded")
	}
}
