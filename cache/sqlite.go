package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteFileName is the database file used under the cache root.
const SQLiteFileName = "cache.db"

// SQLiteStore persists entries in a single SQLite table keyed by
// (namespace, key). Writes are durable immediately; Flush is a no-op.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_cache_namespace ON cache_entries(namespace);
`

// OpenSQLite opens or creates the database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	// Concurrent writers on one file contend for the same lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying cache schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *SQLiteStore) Get(ns, key string) ([]byte, bool, error) {
	db, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	var value []byte
	err = db.QueryRow(
		"SELECT value FROM cache_entries WHERE namespace = ? AND key = ?",
		ns, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s/%s: %w", ns, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ns, key string, value []byte) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT OR REPLACE INTO cache_entries (namespace, key, value)
		 VALUES (?, ?, ?)`,
		ns, key, value,
	)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ns, key string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec("DELETE FROM cache_entries WHERE namespace = ? AND key = ?", ns, key); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ns string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec("DELETE FROM cache_entries WHERE namespace = ?", ns); err != nil {
		return fmt.Errorf("clearing %s: %w", ns, err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ns string) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query("SELECT key FROM cache_entries WHERE namespace = ? ORDER BY key", ns)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ns, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Flush() error {
	_, err := s.conn()
	return err
}

// Stats returns cache statistics.
type Stats struct {
	TotalEntries int64
}

// Stats counts the entries in ns, or in every namespace when ns is empty.
func (s *SQLiteStore) Stats(ns string) (*Stats, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var count int64
	if ns == "" {
		err = db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&count)
	} else {
		err = db.QueryRow("SELECT COUNT(*) FROM cache_entries WHERE namespace = ?", ns).Scan(&count)
	}
	if err != nil {
		return nil, err
	}
	return &Stats{TotalEntries: count}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
