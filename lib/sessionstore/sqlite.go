// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/olmstore/lib/clock"
	"github.com/bureau-foundation/olmstore/lib/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
) STRICT;

CREATE TABLE IF NOT EXISTS olm_sessions (
	session_id    TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	sender_key    TEXT NOT NULL,
	receiver_key  TEXT NOT NULL,
	state         BLOB NOT NULL,
	message_index INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	last_used_at  INTEGER NOT NULL,
	expires_at    INTEGER,
	PRIMARY KEY (user_id, device_id, session_id)
) STRICT;
CREATE INDEX IF NOT EXISTS olm_sessions_expiry ON olm_sessions (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS megolm_sessions (
	user_id       TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	direction     TEXT NOT NULL CHECK (direction IN ('outbound', 'inbound')),
	session_id    TEXT NOT NULL,
	room_id       TEXT NOT NULL,
	sender_key    TEXT NOT NULL,
	state         BLOB NOT NULL,
	message_index INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	last_used_at  INTEGER NOT NULL,
	expires_at    INTEGER,
	PRIMARY KEY (user_id, device_id, direction, session_id)
) STRICT;
CREATE INDEX IF NOT EXISTS megolm_sessions_expiry ON megolm_sessions (expires_at) WHERE expires_at IS NOT NULL;
`

// notExpired is the live-row predicate; :now binds the current time.
const notExpired = `(expires_at IS NULL OR expires_at >= :now)`

const sessionColumns = `session_id, user_id, device_id, sender_key, receiver_key, state,
	message_index, created_at, last_used_at, expires_at`

const groupColumns = `session_id, user_id, device_id, direction, room_id, sender_key, state,
	message_index, created_at, last_used_at, expires_at`

// SQLiteConfig holds the parameters for OpenSQLite.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is passed to sqlitepool.
	PoolSize int

	// Synchronous defaults to sqlitepool.SynchronousFull.
	Synchronous sqlitepool.Synchronous

	// Clock decides which rows are expired. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// SQLite stores sessions in a local SQLite database. Safe for
// concurrent use.
type SQLite struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("sessionstore: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sessionstore: Logger is required")
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Path,
		PoolSize:    cfg.PoolSize,
		Synchronous: cfg.Synchronous,
		Schema:      sqliteSchema,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: %w", err)
	}
	return &SQLite{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the connection pool.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

func (s *SQLite) now() int64 {
	return toMillis(s.clock.Now())
}

// LoadSessions returns every live Olm session owned by (userID,
// deviceID), oldest first.
func (s *SQLite) LoadSessions(ctx context.Context, userID, deviceID string) ([]SessionRecord, error) {
	var records []SessionRecord
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+sessionColumns+` FROM olm_sessions
			WHERE user_id = :user AND device_id = :device AND `+notExpired+`
			ORDER BY created_at, session_id`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":user": userID, ":device": deviceID, ":now": s.now()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					records = append(records, scanSession(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading sessions for %s/%s: %w", userID, deviceID, err)
	}
	return records, nil
}

// BindKeyFingerprint records fingerprint as the database's pickle key
// on first use. Later calls with a different fingerprint fail with
// ErrKeyMismatch and change nothing.
func (s *SQLite) BindKeyFingerprint(ctx context.Context, fingerprint string) error {
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("sessionstore: beginning transaction: %w", err)
		}
		defer endTransaction(&err)

		var bound string
		err = sqlitex.Execute(conn,
			`SELECT value FROM store_meta WHERE key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{keyFingerprintMeta},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					bound = stmt.ColumnText(0)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("sessionstore: reading key binding: %w", err)
		}
		switch bound {
		case fingerprint:
			return nil
		case "":
			err = sqlitex.Execute(conn,
				`INSERT INTO store_meta (key, value) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{keyFingerprintMeta, fingerprint}})
			if err != nil {
				return fmt.Errorf("sessionstore: binding pickle key: %w", err)
			}
			s.logger.Info("database bound to pickle key", "fingerprint", fingerprint)
			return nil
		default:
			return fmt.Errorf("%w: bound to %s, opened with %s", ErrKeyMismatch, bound, fingerprint)
		}
	})
}

// LoadSession returns one live Olm session owned by (userID,
// deviceID), or ErrNotFound.
func (s *SQLite) LoadSession(ctx context.Context, userID, deviceID, sessionID string) (SessionRecord, error) {
	var record SessionRecord
	found := false
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+sessionColumns+` FROM olm_sessions
			WHERE user_id = :user AND device_id = :device AND session_id = :session AND `+notExpired,
			&sqlitex.ExecOptions{
				Named: map[string]any{
					":user": userID, ":device": deviceID,
					":session": sessionID, ":now": s.now(),
				},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record = scanSession(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return SessionRecord{}, fmt.Errorf("sessionstore: loading session %s: %w", sessionID, err)
	}
	if !found {
		return SessionRecord{}, ErrNotFound
	}
	return record, nil
}

// UpsertSessions writes records in one transaction. created_at is kept
// from the first write. Both ends of a handshake share a session id,
// so rows are keyed by (user, device, session id).
func (s *SQLite) UpsertSessions(ctx context.Context, records ...SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("sessionstore: beginning transaction: %w", err)
		}
		defer endTransaction(&err)

		for _, record := range records {
			err := sqlitex.Execute(conn,
				`INSERT INTO olm_sessions (`+sessionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (user_id, device_id, session_id) DO UPDATE SET
					sender_key = excluded.sender_key,
					receiver_key = excluded.receiver_key,
					state = excluded.state,
					message_index = excluded.message_index,
					last_used_at = excluded.last_used_at,
					expires_at = excluded.expires_at`,
				&sqlitex.ExecOptions{
					Args: []any{
						record.SessionID, record.UserID, record.DeviceID,
						record.SenderKey, record.ReceiverKey, record.State,
						int64(record.MessageIndex), toMillis(record.CreatedAt),
						toMillis(record.LastUsedAt), expiryArg(record.ExpiresAt),
					},
				})
			if err != nil {
				return fmt.Errorf("sessionstore: upserting session %s: %w", record.SessionID, err)
			}
		}
		return nil
	})
}

// DeleteSession removes an Olm session owned by (userID, deviceID).
// Deleting a missing row is not an error.
func (s *SQLite) DeleteSession(ctx context.Context, userID, deviceID, sessionID string) error {
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`DELETE FROM olm_sessions WHERE user_id = ? AND device_id = ? AND session_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID, deviceID, sessionID}})
	})
	if err != nil {
		return fmt.Errorf("sessionstore: deleting session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteExpiredSessions removes every expired Olm row across all
// devices and returns how many were removed.
func (s *SQLite) DeleteExpiredSessions(ctx context.Context) (int, error) {
	var deleted int
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM olm_sessions WHERE expires_at IS NOT NULL AND expires_at < ?`,
			&sqlitex.ExecOptions{Args: []any{s.now()}})
		deleted = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sessionstore: deleting expired sessions: %w", err)
	}
	return deleted, nil
}

// LiveSessions returns the subset of sessionIDs that still have a live
// row owned by (userID, deviceID), in one query.
func (s *SQLite) LiveSessions(ctx context.Context, userID, deviceID string, sessionIDs []string) ([]string, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	idList, err := json.Marshal(sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: encoding session ids: %w", err)
	}
	var live []string
	err = s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT session_id FROM olm_sessions
			WHERE user_id = :user AND device_id = :device
				AND session_id IN (SELECT value FROM json_each(:ids))
				AND `+notExpired,
			&sqlitex.ExecOptions{
				Named: map[string]any{
					":user": userID, ":device": deviceID,
					":ids": string(idList), ":now": s.now(),
				},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					live = append(live, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: checking live sessions: %w", err)
	}
	return live, nil
}

// LoadGroupSessions returns every live Megolm session owned by
// (userID, deviceID), oldest first.
func (s *SQLite) LoadGroupSessions(ctx context.Context, userID, deviceID string) ([]GroupSessionRecord, error) {
	var records []GroupSessionRecord
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+groupColumns+` FROM megolm_sessions
			WHERE user_id = :user AND device_id = :device AND `+notExpired+`
			ORDER BY created_at, direction, session_id`,
			&sqlitex.ExecOptions{
				Named: map[string]any{":user": userID, ":device": deviceID, ":now": s.now()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					records = append(records, scanGroupSession(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading group sessions for %s/%s: %w", userID, deviceID, err)
	}
	return records, nil
}

// LoadGroupSession returns one live Megolm session, or ErrNotFound.
func (s *SQLite) LoadGroupSession(ctx context.Context, userID, deviceID string, key GroupKey) (GroupSessionRecord, error) {
	var record GroupSessionRecord
	found := false
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+groupColumns+` FROM megolm_sessions
			WHERE user_id = :user AND device_id = :device
				AND direction = :direction AND session_id = :session AND `+notExpired,
			&sqlitex.ExecOptions{
				Named: map[string]any{
					":user": userID, ":device": deviceID,
					":direction": string(key.Direction), ":session": key.SessionID,
					":now": s.now(),
				},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record = scanGroupSession(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return GroupSessionRecord{}, fmt.Errorf("sessionstore: loading group session %s: %w", key, err)
	}
	if !found {
		return GroupSessionRecord{}, ErrNotFound
	}
	return record, nil
}

// UpsertGroupSessions writes records in one transaction, keeping
// created_at from the first write.
func (s *SQLite) UpsertGroupSessions(ctx context.Context, records ...GroupSessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("sessionstore: beginning transaction: %w", err)
		}
		defer endTransaction(&err)

		for _, record := range records {
			err := sqlitex.Execute(conn,
				`INSERT INTO megolm_sessions (`+groupColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (user_id, device_id, direction, session_id) DO UPDATE SET
					room_id = excluded.room_id,
					sender_key = excluded.sender_key,
					state = excluded.state,
					message_index = excluded.message_index,
					last_used_at = excluded.last_used_at,
					expires_at = excluded.expires_at`,
				&sqlitex.ExecOptions{
					Args: []any{
						record.SessionID, record.UserID, record.DeviceID,
						string(record.Direction), record.RoomID, record.SenderKey,
						record.State, int64(record.MessageIndex),
						toMillis(record.CreatedAt), toMillis(record.LastUsedAt),
						expiryArg(record.ExpiresAt),
					},
				})
			if err != nil {
				return fmt.Errorf("sessionstore: upserting group session %s: %w", record.Key(), err)
			}
		}
		return nil
	})
}

// DeleteGroupSession removes one Megolm row. Deleting a missing row is
// not an error.
func (s *SQLite) DeleteGroupSession(ctx context.Context, userID, deviceID string, key GroupKey) error {
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`DELETE FROM megolm_sessions
			WHERE user_id = ? AND device_id = ? AND direction = ? AND session_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID, deviceID, string(key.Direction), key.SessionID}})
	})
	if err != nil {
		return fmt.Errorf("sessionstore: deleting group session %s: %w", key, err)
	}
	return nil
}

// DeleteExpiredGroupSessions removes every expired Megolm row and
// returns how many were removed.
func (s *SQLite) DeleteExpiredGroupSessions(ctx context.Context) (int, error) {
	var deleted int
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM megolm_sessions WHERE expires_at IS NOT NULL AND expires_at < ?`,
			&sqlitex.ExecOptions{Args: []any{s.now()}})
		deleted = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sessionstore: deleting expired group sessions: %w", err)
	}
	return deleted, nil
}

// LiveGroupSessions returns the subset of keys that still have a live
// row owned by (userID, deviceID).
func (s *SQLite) LiveGroupSessions(ctx context.Context, userID, deviceID string, keys []GroupKey) ([]GroupKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	encoded := make([]string, len(keys))
	for i, key := range keys {
		encoded[i] = key.String()
	}
	keyList, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: encoding group keys: %w", err)
	}
	var live []GroupKey
	err = s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT direction, session_id FROM megolm_sessions
			WHERE user_id = :user AND device_id = :device
				AND direction || ':' || session_id IN (SELECT value FROM json_each(:keys))
				AND `+notExpired,
			&sqlitex.ExecOptions{
				Named: map[string]any{
					":user": userID, ":device": deviceID,
					":keys": string(keyList), ":now": s.now(),
				},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					live = append(live, GroupKey{
						Direction: Direction(stmt.ColumnText(0)),
						SessionID: stmt.ColumnText(1),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: checking live group sessions: %w", err)
	}
	return live, nil
}

// Stats counts rows in both tables.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		now := s.now()
		for _, query := range []struct {
			table        string
			total, stale *int
		}{
			{"olm_sessions", &stats.Sessions, &stats.ExpiredSessions},
			{"megolm_sessions", &stats.GroupSessions, &stats.ExpiredGroupSessions},
		} {
			err := sqlitex.Execute(conn,
				`SELECT count(*), count(CASE WHEN expires_at < ? THEN 1 END) FROM `+query.table,
				&sqlitex.ExecOptions{
					Args: []any{now},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						*query.total = stmt.ColumnInt(0)
						*query.stale = stmt.ColumnInt(1)
						return nil
					},
				})
			if err != nil {
				return fmt.Errorf("counting %s: %w", query.table, err)
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("sessionstore: %w", err)
	}
	return stats, nil
}

func scanSession(stmt *sqlite.Stmt) SessionRecord {
	return SessionRecord{
		SessionID:    stmt.ColumnText(0),
		UserID:       stmt.ColumnText(1),
		DeviceID:     stmt.ColumnText(2),
		SenderKey:    stmt.ColumnText(3),
		ReceiverKey:  stmt.ColumnText(4),
		State:        columnBlob(stmt, 5),
		MessageIndex: uint32(stmt.ColumnInt64(6)),
		CreatedAt:    fromMillis(stmt.ColumnInt64(7)),
		LastUsedAt:   fromMillis(stmt.ColumnInt64(8)),
		ExpiresAt:    columnExpiry(stmt, 9),
	}
}

func scanGroupSession(stmt *sqlite.Stmt) GroupSessionRecord {
	return GroupSessionRecord{
		SessionID:    stmt.ColumnText(0),
		UserID:       stmt.ColumnText(1),
		DeviceID:     stmt.ColumnText(2),
		Direction:    Direction(stmt.ColumnText(3)),
		RoomID:       stmt.ColumnText(4),
		SenderKey:    stmt.ColumnText(5),
		State:        columnBlob(stmt, 6),
		MessageIndex: uint32(stmt.ColumnInt64(7)),
		CreatedAt:    fromMillis(stmt.ColumnInt64(8)),
		LastUsedAt:   fromMillis(stmt.ColumnInt64(9)),
		ExpiresAt:    columnExpiry(stmt, 10),
	}
}

// columnBlob copies a BLOB column out of the statement, which reuses
// its buffers on the next step.
func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}

func columnExpiry(stmt *sqlite.Stmt, column int) *time.Time {
	if stmt.ColumnType(column) == sqlite.TypeNull {
		return nil
	}
	expiresAt := fromMillis(stmt.ColumnInt64(column))
	return &expiresAt
}
