// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bureau-foundation/olmstore/lib/clock"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS olm_sessions (
	session_id    TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	sender_key    TEXT NOT NULL,
	receiver_key  TEXT NOT NULL,
	state         BYTEA NOT NULL,
	message_index BIGINT NOT NULL,
	created_at    BIGINT NOT NULL,
	last_used_at  BIGINT NOT NULL,
	expires_at    BIGINT,
	PRIMARY KEY (user_id, device_id, session_id)
);
CREATE INDEX IF NOT EXISTS olm_sessions_expiry ON olm_sessions (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS megolm_sessions (
	user_id       TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	direction     TEXT NOT NULL CHECK (direction IN ('outbound', 'inbound')),
	session_id    TEXT NOT NULL,
	room_id       TEXT NOT NULL,
	sender_key    TEXT NOT NULL,
	state         BYTEA NOT NULL,
	message_index BIGINT NOT NULL,
	created_at    BIGINT NOT NULL,
	last_used_at  BIGINT NOT NULL,
	expires_at    BIGINT,
	PRIMARY KEY (user_id, device_id, direction, session_id)
);
CREATE INDEX IF NOT EXISTS megolm_sessions_expiry ON megolm_sessions (expires_at) WHERE expires_at IS NOT NULL;
`

// PostgresConfig holds the parameters for OpenPostgres.
type PostgresConfig struct {
	// DSN is a libpq connection string or postgres:// URL.
	DSN string

	// MaxConns caps the pool. Zero keeps the pgxpool default.
	MaxConns int32

	// ConnectAttempts is how many times the initial connection is
	// tried before giving up. Zero means 3.
	ConnectAttempts int

	// ConnectInterval is the base delay between attempts, doubled
	// after each failure. Zero means one second.
	ConnectInterval time.Duration

	// Clock decides which rows are expired. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Postgres stores sessions in PostgreSQL. Safe for concurrent use.
type Postgres struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// OpenPostgres connects, retrying transient failures, and applies the
// schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sessionstore: DSN is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("sessionstore: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sessionstore: Logger is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: parsing DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.ConnectInterval
	if interval <= 0 {
		interval = time.Second
	}

	var pool *pgxpool.Pool
	for attempt := 1; ; attempt++ {
		pool, err = connect(ctx, poolConfig)
		if err == nil {
			break
		}
		if attempt >= attempts {
			return nil, fmt.Errorf("sessionstore: connecting to postgres after %d attempts: %w", attempt, err)
		}
		cfg.Logger.Warn("postgres connection failed, retrying",
			"attempt", attempt,
			"retry_in", interval,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sessionstore: connecting to postgres: %w", ctx.Err())
		case <-time.After(interval):
		}
		interval *= 2
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionstore: applying postgres schema: %w", err)
	}

	cfg.Logger.Info("postgres session store opened",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", poolConfig.MaxConns,
	)
	return &Postgres{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

func connect(ctx context.Context, config *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) now() int64 {
	return toMillis(p.clock.Now())
}

// LoadSessions returns every live Olm session owned by (userID,
// deviceID), oldest first.
func (p *Postgres) LoadSessions(ctx context.Context, userID, deviceID string) ([]SessionRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM olm_sessions
		WHERE user_id = $1 AND device_id = $2 AND (expires_at IS NULL OR expires_at >= $3)
		ORDER BY created_at, session_id`,
		userID, deviceID, p.now())
	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading sessions for %s/%s: %w", userID, deviceID, err)
	}
	records, err := pgx.CollectRows(rows, scanSessionRow)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading sessions for %s/%s: %w", userID, deviceID, err)
	}
	return records, nil
}

// BindKeyFingerprint records fingerprint as the database's pickle key
// on first use. See SQLite.BindKeyFingerprint.
func (p *Postgres) BindKeyFingerprint(ctx context.Context, fingerprint string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO store_meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			keyFingerprintMeta, fingerprint)
		if err != nil {
			return fmt.Errorf("sessionstore: binding pickle key: %w", err)
		}
		if tag.RowsAffected() == 1 {
			p.logger.Info("database bound to pickle key", "fingerprint", fingerprint)
			return nil
		}
		var bound string
		err = tx.QueryRow(ctx, `SELECT value FROM store_meta WHERE key = $1`, keyFingerprintMeta).Scan(&bound)
		if err != nil {
			return fmt.Errorf("sessionstore: reading key binding: %w", err)
		}
		if bound != fingerprint {
			return fmt.Errorf("%w: bound to %s, opened with %s", ErrKeyMismatch, bound, fingerprint)
		}
		return nil
	})
}

// LoadSession returns one live Olm session owned by (userID,
// deviceID), or ErrNotFound.
func (p *Postgres) LoadSession(ctx context.Context, userID, deviceID, sessionID string) (SessionRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM olm_sessions
		WHERE user_id = $1 AND device_id = $2 AND session_id = $3
			AND (expires_at IS NULL OR expires_at >= $4)`,
		userID, deviceID, sessionID, p.now())
	if err != nil {
		return SessionRecord{}, fmt.Errorf("sessionstore: loading session %s: %w", sessionID, err)
	}
	record, err := pgx.CollectExactlyOneRow(rows, scanSessionRow)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("sessionstore: loading session %s: %w", sessionID, err)
	}
	return record, nil
}

// UpsertSessions writes records in one transaction. See
// SQLite.UpsertSessions.
func (p *Postgres) UpsertSessions(ctx context.Context, records ...SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, record := range records {
			_, err := tx.Exec(ctx,
				`INSERT INTO olm_sessions (`+sessionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (user_id, device_id, session_id) DO UPDATE SET
					sender_key = excluded.sender_key,
					receiver_key = excluded.receiver_key,
					state = excluded.state,
					message_index = excluded.message_index,
					last_used_at = excluded.last_used_at,
					expires_at = excluded.expires_at`,
				record.SessionID, record.UserID, record.DeviceID,
				record.SenderKey, record.ReceiverKey, record.State,
				int64(record.MessageIndex), toMillis(record.CreatedAt),
				toMillis(record.LastUsedAt), expiryArg(record.ExpiresAt))
			if err != nil {
				return fmt.Errorf("sessionstore: upserting session %s: %w", record.SessionID, err)
			}
		}
		return nil
	})
}

// DeleteSession removes an Olm session owned by (userID, deviceID).
func (p *Postgres) DeleteSession(ctx context.Context, userID, deviceID, sessionID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM olm_sessions WHERE user_id = $1 AND device_id = $2 AND session_id = $3`,
		userID, deviceID, sessionID)
	if err != nil {
		return fmt.Errorf("sessionstore: deleting session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteExpiredSessions removes every expired Olm row.
func (p *Postgres) DeleteExpiredSessions(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM olm_sessions WHERE expires_at IS NOT NULL AND expires_at < $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("sessionstore: deleting expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LiveSessions returns the subset of sessionIDs with a live row owned
// by (userID, deviceID).
func (p *Postgres) LiveSessions(ctx context.Context, userID, deviceID string, sessionIDs []string) ([]string, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT session_id FROM olm_sessions
		WHERE user_id = $1 AND device_id = $2 AND session_id = ANY($3)
			AND (expires_at IS NULL OR expires_at >= $4)`,
		userID, deviceID, sessionIDs, p.now())
	if err != nil {
		return nil, fmt.Errorf("sessionstore: checking live sessions: %w", err)
	}
	live, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("sessionstore: checking live sessions: %w", err)
	}
	return live, nil
}

// LoadGroupSessions returns every live Megolm session owned by
// (userID, deviceID), oldest first.
func (p *Postgres) LoadGroupSessions(ctx context.Context, userID, deviceID string) ([]GroupSessionRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM megolm_sessions
		WHERE user_id = $1 AND device_id = $2 AND (expires_at IS NULL OR expires_at >= $3)
		ORDER BY created_at, direction, session_id`,
		userID, deviceID, p.now())
	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading group sessions for %s/%s: %w", userID, deviceID, err)
	}
	records, err := pgx.CollectRows(rows, scanGroupSessionRow)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading group sessions for %s/%s: %w", userID, deviceID, err)
	}
	return records, nil
}

// LoadGroupSession returns one live Megolm session, or ErrNotFound.
func (p *Postgres) LoadGroupSession(ctx context.Context, userID, deviceID string, key GroupKey) (GroupSessionRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM megolm_sessions
		WHERE user_id = $1 AND device_id = $2 AND direction = $3 AND session_id = $4
			AND (expires_at IS NULL OR expires_at >= $5)`,
		userID, deviceID, string(key.Direction), key.SessionID, p.now())
	if err != nil {
		return GroupSessionRecord{}, fmt.Errorf("sessionstore: loading group session %s: %w", key, err)
	}
	record, err := pgx.CollectExactlyOneRow(rows, scanGroupSessionRow)
	if errors.Is(err, pgx.ErrNoRows) {
		return GroupSessionRecord{}, ErrNotFound
	}
	if err != nil {
		return GroupSessionRecord{}, fmt.Errorf("sessionstore: loading group session %s: %w", key, err)
	}
	return record, nil
}

// UpsertGroupSessions writes records in one transaction.
func (p *Postgres) UpsertGroupSessions(ctx context.Context, records ...GroupSessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, record := range records {
			_, err := tx.Exec(ctx,
				`INSERT INTO megolm_sessions (`+groupColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (user_id, device_id, direction, session_id) DO UPDATE SET
					room_id = excluded.room_id,
					sender_key = excluded.sender_key,
					state = excluded.state,
					message_index = excluded.message_index,
					last_used_at = excluded.last_used_at,
					expires_at = excluded.expires_at`,
				record.SessionID, record.UserID, record.DeviceID,
				string(record.Direction), record.RoomID, record.SenderKey,
				record.State, int64(record.MessageIndex),
				toMillis(record.CreatedAt), toMillis(record.LastUsedAt),
				expiryArg(record.ExpiresAt))
			if err != nil {
				return fmt.Errorf("sessionstore: upserting group session %s: %w", record.Key(), err)
			}
		}
		return nil
	})
}

// DeleteGroupSession removes one Megolm row.
func (p *Postgres) DeleteGroupSession(ctx context.Context, userID, deviceID string, key GroupKey) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM megolm_sessions
		WHERE user_id = $1 AND device_id = $2 AND direction = $3 AND session_id = $4`,
		userID, deviceID, string(key.Direction), key.SessionID)
	if err != nil {
		return fmt.Errorf("sessionstore: deleting group session %s: %w", key, err)
	}
	return nil
}

// DeleteExpiredGroupSessions removes every expired Megolm row.
func (p *Postgres) DeleteExpiredGroupSessions(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM megolm_sessions WHERE expires_at IS NOT NULL AND expires_at < $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("sessionstore: deleting expired group sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LiveGroupSessions returns the subset of keys with a live row owned
// by (userID, deviceID).
func (p *Postgres) LiveGroupSessions(ctx context.Context, userID, deviceID string, keys []GroupKey) ([]GroupKey, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	encoded := make([]string, len(keys))
	for i, key := range keys {
		encoded[i] = key.String()
	}
	rows, err := p.pool.Query(ctx,
		`SELECT direction, session_id FROM megolm_sessions
		WHERE user_id = $1 AND device_id = $2 AND direction || ':' || session_id = ANY($3)
			AND (expires_at IS NULL OR expires_at >= $4)`,
		userID, deviceID, encoded, p.now())
	if err != nil {
		return nil, fmt.Errorf("sessionstore: checking live group sessions: %w", err)
	}
	live, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (GroupKey, error) {
		var direction, sessionID string
		err := row.Scan(&direction, &sessionID)
		return GroupKey{Direction: Direction(direction), SessionID: sessionID}, err
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: checking live group sessions: %w", err)
	}
	return live, nil
}

// Stats counts rows in both tables.
func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := p.pool.QueryRow(ctx,
		`SELECT
			(SELECT count(*) FROM olm_sessions),
			(SELECT count(*) FROM olm_sessions WHERE expires_at < $1),
			(SELECT count(*) FROM megolm_sessions),
			(SELECT count(*) FROM megolm_sessions WHERE expires_at < $1)`,
		p.now()).Scan(&stats.Sessions, &stats.ExpiredSessions, &stats.GroupSessions, &stats.ExpiredGroupSessions)
	if err != nil {
		return Stats{}, fmt.Errorf("sessionstore: counting rows: %w", err)
	}
	return stats, nil
}

func scanSessionRow(row pgx.CollectableRow) (SessionRecord, error) {
	var (
		record                         SessionRecord
		messageIndex, created, lastUse int64
		expiresAt                      *int64
	)
	err := row.Scan(
		&record.SessionID, &record.UserID, &record.DeviceID,
		&record.SenderKey, &record.ReceiverKey, &record.State,
		&messageIndex, &created, &lastUse, &expiresAt,
	)
	if err != nil {
		return SessionRecord{}, err
	}
	record.MessageIndex = uint32(messageIndex)
	record.CreatedAt = fromMillis(created)
	record.LastUsedAt = fromMillis(lastUse)
	record.ExpiresAt = optionalTime(expiresAt)
	return record, nil
}

func scanGroupSessionRow(row pgx.CollectableRow) (GroupSessionRecord, error) {
	var (
		record                         GroupSessionRecord
		direction                      string
		messageIndex, created, lastUse int64
		expiresAt                      *int64
	)
	err := row.Scan(
		&record.SessionID, &record.UserID, &record.DeviceID, &direction,
		&record.RoomID, &record.SenderKey, &record.State,
		&messageIndex, &created, &lastUse, &expiresAt,
	)
	if err != nil {
		return GroupSessionRecord{}, err
	}
	record.Direction = Direction(direction)
	record.MessageIndex = uint32(messageIndex)
	record.CreatedAt = fromMillis(created)
	record.LastUsedAt = fromMillis(lastUse)
	record.ExpiresAt = optionalTime(expiresAt)
	return record, nil
}

func optionalTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
