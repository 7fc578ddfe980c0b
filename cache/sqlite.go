package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache stores every generation in a single database.
// Stores are rows in the `stores` table, entries reference them by name.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(name string) (Store, error) {
	if err := s.ensure(name); err != nil {
		return nil, err
	}
	return sqliteStore{cache: s, name: name}, nil
}

func (s SQLiteCache) ensure(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	return err
}

func (s SQLiteCache) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteCache) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY created_at ASC, name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	cache SQLiteCache
	name  string
}

func (s sqliteStore) Name() string {
	return s.name
}

func (s sqliteStore) All(prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	rows, err := s.cache.db.Query(`SELECT
		key, stored_at, bytes
		FROM entries WHERE store = ? AND substr(key, 1, ?) = ?`, s.name, len(prefix), prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &storedAt, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.StoredAt = time.Unix(0, storedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s sqliteStore) Get(key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var storedAt int64
	err := s.cache.db.QueryRow("SELECT stored_at, bytes FROM entries WHERE store = ? AND key = ?",
		s.name, key).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (s sqliteStore) Put(ce CacheEntry) error {
	s.cache.writeMutex.Lock()
	defer s.cache.writeMutex.Unlock()
	if ce.StoredAt.IsZero() {
		ce.StoredAt = time.Now()
	}
	tx, err := s.cache.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRow("SELECT 1 FROM stores WHERE name = ?", s.name).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO entries
		(store, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		s.name, ce.Key, ce.StoredAt.UnixNano(), ce.Bytes); err != nil {
		return err
	}
	return tx.Commit()
}

func (s sqliteStore) Purge(key string) error {
	s.cache.writeMutex.Lock()
	defer s.cache.writeMutex.Unlock()
	_, err := s.cache.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", s.name, key)
	return err
}

func (s sqliteStore) Keys() ([]string, error) {
	rows, err := s.cache.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY key", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
