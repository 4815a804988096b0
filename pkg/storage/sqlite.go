package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/quartz"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection  TEXT    NOT NULL,
	id          TEXT    NOT NULL,
	fields      TEXT    NOT NULL,
	create_time INTEGER NOT NULL,
	update_time INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_update_time ON documents(update_time);
`

const maxBusyRetries = 3

// SQLiteStore keeps documents as JSON rows in an SQLite database. Each Set
// runs as a read-modify-write transaction, so increments are atomic.
type SQLiteStore struct {
	db    *sql.DB
	clock quartz.Clock
}

// OpenSQLite opens (creating if needed) a document database at path.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(path string, clock quartz.Clock) (*SQLiteStore, error) {
	db, err := OpenSQLiteDB(path, sqliteSchema)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &SQLiteStore{db: db, clock: clock}, nil
}

// OpenSQLiteDB opens an SQLite database with WAL, busy_timeout and
// synchronous=NORMAL, then applies schema. The pool is limited to one
// connection so ":memory:" databases are shared and writers serialise.
func OpenSQLiteDB(path, schema string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}
	if schema != "" {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var raw string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, update_time FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", collection, id, err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: decode %s/%s: %w", collection, id, err)
	}
	return &Document{ID: id, Fields: fields, UpdateTime: time.UnixMilli(updated).UTC()}, nil
}

func (s *SQLiteStore) Set(ctx context.Context, collection, id string, writes []Write) error {
	if collection == "" || id == "" {
		return fmt.Errorf("%w: collection and id are required", ErrInvalidWrite)
	}
	return RunTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.clock.Now().UTC()

		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT fields FROM documents WHERE collection = ? AND id = ?`,
			collection, id).Scan(&raw)
		fields := map[string]any{}
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("storage: read %s/%s: %w", collection, id, err)
		default:
			if fields, err = decodeFields(raw); err != nil {
				return fmt.Errorf("storage: decode %s/%s: %w", collection, id, err)
			}
		}

		if err := applyWrites(fields, writes, now); err != nil {
			return err
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("storage: encode %s/%s: %w", collection, id, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, fields, create_time, update_time)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				fields = excluded.fields,
				update_time = excluded.update_time`,
			collection, id, string(encoded), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("storage: write %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DeleteBefore drops documents not updated since cutoff and returns how many
// were removed.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE update_time < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired: %w", err)
	}
	return res.RowsAffected()
}

func decodeFields(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fromJSON(fields).(map[string]any), nil
}

// IsBusy reports whether err indicates an SQLite BUSY condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx executes fn inside a transaction, retrying up to three times with
// 100/200/300 ms backoff when SQLite reports BUSY.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	for i := range maxBusyRetries {
		err := runOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == maxBusyRetries-1 {
			return err
		}
		if err := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return fmt.Errorf("storage: context cancelled during retry: %w", err)
		}
	}
	return fmt.Errorf("storage: RunTx: max retries exceeded")
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
