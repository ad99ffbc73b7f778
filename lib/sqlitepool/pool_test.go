// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/olmstore/lib/sqlitepool"
)

func queryInt(t *testing.T, conn *sqlite.Conn, query string) int {
	t.Helper()
	var value int
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return value
}

func TestPragmas(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{})

	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		var journalMode string
		err := sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				journalMode = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if journalMode != "wal" {
			t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
		}
		if got := queryInt(t, conn, "PRAGMA synchronous"); got != 2 {
			t.Errorf("synchronous = %d, want 2 (FULL)", got)
		}
		if got := queryInt(t, conn, "PRAGMA secure_delete"); got != 1 {
			t.Errorf("secure_delete = %d, want 1", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithConn: %v", err)
	}
}

func TestSynchronousNormal(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{Synchronous: sqlitepool.SynchronousNormal})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)
	if got := queryInt(t, conn, "PRAGMA synchronous"); got != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", got)
	}
}

func TestSchemaAppliedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.db")
	schema := `
		CREATE TABLE IF NOT EXISTS rows (id INTEGER PRIMARY KEY, value TEXT NOT NULL);
	`
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, Schema: schema})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO rows (value) VALUES (?)", &sqlitex.ExecOptions{
			Args: []any{"kept"},
		})
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestPool(t, sqlitepool.Config{Path: path, Schema: schema})
	err = reopened.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		if got := queryInt(t, conn, "SELECT count(*) FROM rows"); got != 1 {
			t.Errorf("rows after reopen = %d, want 1", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithConn: %v", err)
	}
}

func TestInvalidSchemaRejected(t *testing.T) {
	_, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "bad.db"),
		Schema: "CREATE TABLE (",
	})
	if err == nil {
		t.Fatal("Open with an invalid schema succeeded")
	}
}

func TestOnConnect(t *testing.T) {
	var calls int
	pool := openTestPool(t, sqlitepool.Config{
		PoolSize: 1,
		OnConnect: func(conn *sqlite.Conn) error {
			calls++
			return nil
		},
	})
	for range 3 {
		if err := pool.WithConn(context.Background(), func(*sqlite.Conn) error { return nil }); err != nil {
			t.Fatalf("WithConn: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("OnConnect called %d times for a single connection, want 1", calls)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestContextCancellation(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{PoolSize: 1})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// openTestPool fills in a temporary Path when cfg has none and closes
// the pool when the test ends.
func openTestPool(t *testing.T, cfg sqlitepool.Config) *sqlitepool.Pool {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "test.db")
	}
	pool, err := sqlitepool.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
