// Package store is the SQLite-backed account store and downstream outbox.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailhook/internal/account"
)

//go:embed schema.sql
var schemaSQL string

const (
	// DriverModernc is the pure-Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo driver registered by mattn/go-sqlite3.
	DriverCGO = "sqlite3"
)

// Store implements account.Store over a single SQLite database.
type Store struct {
	DB *sql.DB
}

// OutboxMessage is a pending downstream event.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the database at path with the named driver and
// applies the schema.
func Open(driver, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var dsn string
	switch driver {
	case DriverModernc:
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	case DriverCGO:
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

const accountColumns = `id, owner_user_id, email, access_token, refresh_token, expiry_ms,
	needs_reauth, history_cursor, start_cursor, watch_expiry_ms, updated_at`

// Get loads an account by id.
func (s *Store) Get(ctx context.Context, id string) (*account.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetByEmail loads the account registered for email (case-insensitive).
func (s *Store) GetByEmail(ctx context.Context, email string) (*account.Account, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ? COLLATE NOCASE`,
		strings.TrimSpace(email))
	return scanAccount(row)
}

// A stored cursor wins over a shorter or lexically smaller one of the same
// length, which is numeric order for unpadded decimal history ids.
const keepNewerCursor = `
	CASE
		WHEN accounts.history_cursor IS NULL OR accounts.history_cursor = '' THEN excluded.history_cursor
		WHEN excluded.history_cursor IS NULL OR excluded.history_cursor = '' THEN accounts.history_cursor
		WHEN length(excluded.history_cursor) > length(accounts.history_cursor) THEN excluded.history_cursor
		WHEN length(excluded.history_cursor) = length(accounts.history_cursor)
			AND excluded.history_cursor > accounts.history_cursor THEN excluded.history_cursor
		ELSE accounts.history_cursor
	END`

// Save upserts the account record. The cursors only move forward: a write
// carrying an older history cursor keeps the stored one, and a set start
// cursor is never replaced. a reflects the stored cursors afterwards.
func (s *Store) Save(ctx context.Context, a *account.Account) error {
	now := time.Now()
	var history, start sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_user_id   = excluded.owner_user_id,
			email           = excluded.email,
			access_token    = excluded.access_token,
			refresh_token   = excluded.refresh_token,
			expiry_ms       = excluded.expiry_ms,
			needs_reauth    = excluded.needs_reauth,
			history_cursor  = `+keepNewerCursor+`,
			start_cursor    = COALESCE(NULLIF(accounts.start_cursor, ''), excluded.start_cursor),
			watch_expiry_ms = excluded.watch_expiry_ms,
			updated_at      = excluded.updated_at
		RETURNING history_cursor, start_cursor
	`, a.ID, a.OwnerUserID, strings.TrimSpace(a.Email), a.AccessToken, a.RefreshToken,
		toMillis(a.Expiry), a.NeedsReauth, nullable(a.HistoryCursor), nullable(a.StartCursor),
		toMillis(a.WatchExpiry), now.UnixMilli()).Scan(&history, &start)

	if err != nil {
		if isUniqueViolation(err, "email") {
			return account.ErrEmailTaken
		}
		return fmt.Errorf("failed to save account %s: %w", a.ID, err)
	}

	a.HistoryCursor = history.String
	a.StartCursor = start.String
	a.UpdatedAt = now
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var (
		a                            account.Account
		expiry, watchExpiry, updated int64
		history, start               sql.NullString
	)
	err := row.Scan(&a.ID, &a.OwnerUserID, &a.Email, &a.AccessToken, &a.RefreshToken, &expiry,
		&a.NeedsReauth, &history, &start, &watchExpiry, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	a.Expiry = fromMillis(expiry)
	a.WatchExpiry = fromMillis(watchExpiry)
	a.UpdatedAt = fromMillis(updated)
	a.HistoryCursor = history.String
	a.StartCursor = start.String
	return &a, nil
}

// AppendOutbox queues an event for downstream publication. Re-appending the
// same msgID is a no-op.
func (s *Store) AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Both drivers report "UNIQUE constraint failed: accounts.email".
func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
