// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionstore is the durable row storage for sealed Olm and
// Megolm sessions.
//
// Two backends implement the same method set: [SQLite] (a local file
// through lib/sqlitepool) and [Postgres] (jackc/pgx/v5 pgxpool, for
// homeservers whose other state already lives in Postgres).
//
// Olm rows are keyed by session id alone and carry the owning
// (user_id, device_id). Megolm ids are shared between a sender and all
// of its recipients, and a sender also keeps an inbound copy of its own
// outbound session, so Megolm rows are keyed by (user_id, device_id,
// direction, session_id).
//
// Times are stored as Unix milliseconds. A NULL expires_at means the
// row never expires. A row is expired when expires_at < now; every
// load filters expired rows out, so an expired row is never handed
// back even before the reaper has deleted it.
//
// The store never sees plaintext ratchet state: State holds the blob
// produced by lib/sessioncodec.
package sessionstore
