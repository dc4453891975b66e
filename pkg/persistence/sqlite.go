package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mermi/metrics-controller/pkg/histogram"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS histograms (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// SQLiteStore keeps one row per histogram. Each Write replaces the whole set
// inside a single transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create histogram schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, set *histogram.Set) error {
	bounds, err := json.Marshal(set.Bounds)
	if err != nil {
		return fmt.Errorf("failed to marshal bounds: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM histograms`); err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, name := range set.Names() {
		data, err := json.Marshal(set.Histograms[name])
		if err != nil {
			return fmt.Errorf("failed to marshal histogram %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO histograms (name, data, updated_at) VALUES (?, ?, ?)`,
			name, data, now); err != nil {
			return fmt.Errorf("failed to store histogram %q: %w", name, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO store_meta (key, value) VALUES ('bounds', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		string(bounds)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) Read(ctx context.Context) (*histogram.Set, error) {
	var rawBounds string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'bounds'`).Scan(&rawBounds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var bounds []float64
	if err := json.Unmarshal([]byte(rawBounds), &bounds); err != nil {
		return nil, fmt.Errorf("failed to parse stored bounds: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, data FROM histograms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := histogram.NewSet(bounds)
	for rows.Next() {
		var (
			name string
			data []byte
		)
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		var h histogram.Histogram
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("failed to parse histogram %q: %w", name, err)
		}
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("invalid histogram %q: %w", name, err)
		}
		set.Histograms[name] = &h
	}

	return set, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM histograms; DELETE FROM store_meta;`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// openDB opens a SQLite database configured for a single writer.
func openDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %q: %w", dir, err)
	}

	// busy_timeout waits on a locked database; WAL keeps readers off the writer's back.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, diagnoseOpenError(path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, diagnoseOpenError(path, err)
	}

	return db, nil
}

func isCantOpenError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CANTOPEN
	}
	return false
}

func diagnoseOpenError(path string, err error) error {
	if !isCantOpenError(err) {
		return err
	}

	dir := filepath.Dir(path)
	info, statErr := os.Stat(dir)
	switch {
	case statErr != nil:
		return fmt.Errorf("cannot open histogram database at %q: %w", path, statErr)
	case !info.IsDir():
		return fmt.Errorf("cannot open histogram database at %q: %q is not a directory", path, dir)
	default:
		return fmt.Errorf("cannot open histogram database at %q: permission denied (original error: %v)", path, err)
	}
}
