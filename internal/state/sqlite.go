package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/warning"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore is the embedded relational backend.
type SQLiteStore struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. A file that
// cannot be opened or initialized is renamed aside like a corrupted JSON
// state file, and a fresh database takes its place.
func NewSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &IOError{Op: "init", Err: err}
	}

	db, err := openAndInit(path)
	if err != nil {
		backup := brokenName(path, time.Now())
		logging.Error(log, "state.invalid_json", "path", path, "backup", backup, "error", err.Error())
		if renameErr := os.Rename(path, backup); renameErr != nil {
			logging.Error(log, "state.backup_failed", "path", path, "error", renameErr.Error())
			return nil, &IOError{Op: "open", Err: err}
		}
		if db, err = openAndInit(path); err != nil {
			return nil, &IOError{Op: "open", Err: err}
		}
	}
	return &SQLiteStore{db: db, path: path, log: log}, nil
}

func openAndInit(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limit the pool to a
	// single connection so all access is serialized at the Go level.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS sent_messages (
		event_id      TEXT PRIMARY KEY,
		payload       TEXT NOT NULL,
		first_seen_at TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		last_sent_at  TEXT,
		sent          INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &IOError{Op: "upsert", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sent_messages
		(event_id, payload, first_seen_at, updated_at, last_sent_at, sent)
		VALUES (?, ?, ?, ?, NULL, 0)
		ON CONFLICT(event_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE sent_messages.payload <> excluded.payload`)
	if err != nil {
		return &IOError{Op: "upsert", Err: err}
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		if rec.EventID == "" {
			return &IOError{Op: "upsert", Err: fmt.Errorf("record missing event id")}
		}
		payload, err := json.Marshal(rec.Event)
		if err != nil {
			return &IOError{Op: "upsert", Err: err}
		}
		if _, err := stmt.ExecContext(ctx,
			rec.EventID,
			string(payload),
			rec.FirstSeenAt.UTC().Format(timeLayout),
			rec.UpdatedAt.UTC().Format(timeLayout),
		); err != nil {
			return &IOError{Op: "upsert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return &IOError{Op: "upsert", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT event_id, payload, first_seen_at, updated_at, last_sent_at, sent
		FROM sent_messages WHERE sent = 0`)
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT event_id, payload, first_seen_at, updated_at, last_sent_at, sent
		FROM sent_messages`)
}

func (s *SQLiteStore) query(ctx context.Context, q string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, &IOError{Op: "query", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			payload  string
			first    string
			updated  string
			lastSent sql.NullString
			sent     int
		)
		if err := rows.Scan(&rec.EventID, &payload, &first, &updated, &lastSent, &sent); err != nil {
			return nil, &IOError{Op: "scan", Err: err}
		}
		var ev warning.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, &IOError{Op: "scan", Err: err}
		}
		rec.Event = ev
		if rec.FirstSeenAt, err = time.Parse(timeLayout, first); err != nil {
			return nil, &IOError{Op: "scan", Err: err}
		}
		if rec.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
			return nil, &IOError{Op: "scan", Err: err}
		}
		if lastSent.Valid {
			t, err := time.Parse(timeLayout, lastSent.String)
			if err != nil {
				return nil, &IOError{Op: "scan", Err: err}
			}
			rec.LastSentAt = &t
		}
		rec.Sent = sent != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &IOError{Op: "query", Err: err}
	}
	return out, nil
}

func (s *SQLiteStore) MarkSent(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &IOError{Op: "mark_sent", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE sent_messages SET sent = 1, last_sent_at = ? WHERE event_id = ? AND sent = 0`)
	if err != nil {
		return &IOError{Op: "mark_sent", Err: err}
	}
	defer func() { _ = stmt.Close() }()

	stamp := at.UTC().Format(timeLayout)
	for _, id := range eventIDs {
		if _, err := stmt.ExecContext(ctx, stamp, id); err != nil {
			return &IOError{Op: "mark_sent", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		logging.Error(s.log, "state.persist_failed", "path", s.path, "error", err.Error())
		return &IOError{Op: "mark_sent", Err: err}
	}
	return nil
}

// CleanupStale is a single filtered DELETE so it scales to large tables.
func (s *SQLiteStore) CleanupStale(ctx context.Context, olderThan time.Time, includeUnsent bool) (int, error) {
	include := 0
	if includeUnsent {
		include = 1
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sent_messages WHERE updated_at < ? AND (sent = 1 OR ? = 1)`,
		olderThan.UTC().Format(timeLayout), include)
	if err != nil {
		return 0, &IOError{Op: "cleanup", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &IOError{Op: "cleanup", Err: err}
	}
	return int(n), nil
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sent_messages WHERE sent = 0`).Scan(&n); err != nil {
		return 0, &IOError{Op: "count", Err: err}
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// insertExact writes a record verbatim, preserving every timestamp and
// the sent flag. Used by the migration path only.
func (s *SQLiteStore) insertExact(ctx context.Context, stmt *sql.Stmt, rec Record) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return err
	}
	var lastSent any
	if rec.LastSentAt != nil {
		lastSent = rec.LastSentAt.UTC().Format(timeLayout)
	}
	sent := 0
	if rec.Sent {
		sent = 1
	}
	_, err = stmt.ExecContext(ctx,
		rec.EventID,
		string(payload),
		rec.FirstSeenAt.UTC().Format(timeLayout),
		rec.UpdatedAt.UTC().Format(timeLayout),
		lastSent,
		sent,
	)
	return err
}
