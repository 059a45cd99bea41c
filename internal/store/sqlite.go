package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements KeyValue and ChatRepository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to prevent SQLITE_BUSY
}

// NewSQLite opens (creating if needed) a SQLite database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		ai_enabled INTEGER NOT NULL DEFAULT 0,
		user_ip TEXT,
		user_agent TEXT,
		last_message_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, last_message_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		message TEXT NOT NULL,
		sender TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		attachment_url TEXT,
		attachment_type TEXT,
		is_ai INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs a write with exponential backoff on SQLite lock conflicts.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < writeRetries; i++ {
		s.writeMu.Lock()
		err = fn()
		s.writeMu.Unlock()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeRetries-1 {
			break
		}

		delay := writeBaseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`
	return s.withRetry(ctx, "set "+key, func() error {
		_, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix())
		return err
	})
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete "+key, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}

const sessionColumns = `session_id, status, ai_enabled, user_ip, user_agent, last_message_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var userIP, userAgent sql.NullString
	var lastMessageAt sql.NullInt64
	var createdAt int64

	if err := row.Scan(&sess.ID, &status, &sess.AIEnabled, &userIP, &userAgent, &lastMessageAt, &createdAt); err != nil {
		return nil, err
	}

	sess.Status = domain.SessionStatus(status)
	sess.UserIP = userIP.String
	sess.UserAgent = userAgent.String
	if lastMessageAt.Valid {
		sess.LastMessageAt = time.UnixMilli(lastMessageAt.Int64)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// UpsertSession creates or updates a session record. The AI toggle of an
// existing session is left untouched.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		user_ip = COALESCE(excluded.user_ip, sessions.user_ip),
		user_agent = COALESCE(excluded.user_agent, sessions.user_agent)`

	status := sess.Status
	if status == "" {
		status = domain.StatusActive
	}
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var lastMessageAt any
	if !sess.LastMessageAt.IsZero() {
		lastMessageAt = sess.LastMessageAt.UnixMilli()
	}

	return s.withRetry(ctx, "upsert session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, string(status), sess.AIEnabled,
			nullString(sess.UserIP), nullString(sess.UserAgent),
			lastMessageAt, createdAt.UnixMilli(),
		)
		return err
	})
}

// SetSessionStatus moves a session between active and past.
func (s *SQLiteStore) SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	return s.updateSession(ctx, "update session status", `UPDATE sessions SET status = ? WHERE session_id = ?`, string(status), sessionID)
}

// SetSessionAI stores the AI responder toggle for a session.
func (s *SQLiteStore) SetSessionAI(ctx context.Context, sessionID string, enabled bool) error {
	return s.updateSession(ctx, "update session ai", `UPDATE sessions SET ai_enabled = ? WHERE session_id = ?`, enabled, sessionID)
}

func (s *SQLiteStore) updateSession(ctx context.Context, op, query string, args ...any) error {
	var rows int64
	err := s.withRetry(ctx, op, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// ListSessions returns sessions with the given status, most recent activity first.
func (s *SQLiteStore) ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ?
		ORDER BY COALESCE(last_message_at, created_at) DESC`

	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close sessions rows", "error", closeErr)
		}
	}()

	sessions := []domain.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendMessage stores a message and bumps the session's last activity.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := domain.RecordFromMessage(msg)

	return s.withRetry(ctx, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, message, sender, sender_type, attachment_url, attachment_type, is_ai, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.Message, rec.Sender, string(rec.SenderType),
			nullString(rec.AttachmentURL), nullString(rec.AttachmentType), rec.IsAI, ts.UnixMilli(),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_message_at = ? WHERE session_id = ?`,
			ts.UnixMilli(), rec.SessionID,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListMessages returns a session's messages in arrival order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.HistoryRecord, error) {
	query := `
		SELECT session_id, message, sender, sender_type, attachment_url, attachment_type, is_ai, created_at
		FROM messages WHERE session_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close messages rows", "error", closeErr)
		}
	}()

	records := []domain.HistoryRecord{}
	for rows.Next() {
		var rec domain.HistoryRecord
		var senderType string
		var attachmentURL, attachmentType sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&rec.SessionID, &rec.Message, &rec.Sender, &senderType,
			&attachmentURL, &attachmentType, &rec.IsAI, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		rec.SenderType = domain.SenderType(senderType)
		rec.AttachmentURL = attachmentURL.String
		rec.AttachmentType = attachmentType.String
		rec.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
