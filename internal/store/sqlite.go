package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a single-file SQLite database. It uses the pure
// Go modernc driver, so no CGO toolchain is needed on edge devices.
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, wrap("open", "", "", fmt.Errorf("sqlite path required"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, wrap("open", "", "", fmt.Errorf("create data dir: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", "", "", err)
	}
	// One connection keeps the pragmas below in force and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, wrap("migrate", "", "", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=FULL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS kv (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLite) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, collection, key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return wrap("put", collection, key, err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, key) DO UPDATE SET
		   value = excluded.value,
		   updated_at = excluded.updated_at`,
		collection, key, value, time.Now().UnixMilli(),
	)
	return wrap("put", collection, key, err)
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, collection, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, wrap("get", collection, key, err)
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", collection, key, err)
	}
	return value, nil
}

// GetAll implements Store.
func (s *SQLite) GetAll(ctx context.Context, collection string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, wrap("get_all", collection, "", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE collection = ? ORDER BY key`,
		collection,
	)
	if err != nil {
		return nil, wrap("get_all", collection, "", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, wrap("get_all", collection, "", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("get_all", collection, "", err)
	}
	return entries, nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, collection, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return wrap("delete", collection, key, err)
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE collection = ? AND key = ?`,
		collection, key,
	)
	return wrap("delete", collection, key, err)
}

// Collections implements Store.
func (s *SQLite) Collections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, wrap("collections", "", "", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM kv ORDER BY collection`)
	if err != nil {
		return nil, wrap("collections", "", "", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrap("collections", "", "", err)
		}
		names = append(names, name)
	}
	return names, wrap("collections", "", "", rows.Err())
}

// Close implements Store.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
