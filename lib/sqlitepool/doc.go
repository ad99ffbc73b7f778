// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the
// session store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, do their work, and [Pool.Put] it back, or use
// [Pool.WithConn] which does both. Connections are not safe for
// concurrent use.
//
// # Pragmas
//
// Every connection is initialized with:
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=FULL by default: a committed ratchet advance survives
//     power loss. A session that reverts to an earlier ratchet position
//     after a crash is desynchronized from its peer, so durability
//     beats commit latency here. [SynchronousNormal] trades that away
//     for tests and caches.
//   - secure_delete=ON: deleted and overwritten session rows are zeroed
//     in the file, so expired ratchet state does not linger in free
//     pages.
//   - busy_timeout=5000, foreign_keys=OFF, temp_store=MEMORY.
//
// # Schema
//
// [Config.Schema] is executed once in an immediate transaction when
// the pool opens. It must be idempotent (CREATE ... IF NOT EXISTS).
// Versioned migrations are the store's business.
package sqlitepool
