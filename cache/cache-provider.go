package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Storage is a set of named response stores.
// Stores are created on first Open and live until deleted as a whole.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(name string) (Store, error)
	// Has reports whether a store with the given name exists.
	Has(name string) (bool, error)
	// Names returns the names of all existing stores.
	Names() ([]string, error)
	// Delete removes the named store with all its entries.
	// It reports whether the store existed.
	Delete(name string) (bool, error)
}

// Store maps normalized request keys to serialized response snapshots.
// Put must be atomic per key: concurrent writers for the same key
// leave exactly one of the written entries behind.
type Store interface {
	// Match returns the entry stored under the key, if any.
	Match(key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(entry Entry) error
	// Delete removes the entry for the key. It reports whether it existed.
	Delete(key string) (bool, error)
	// Keys calls the given callback for each key in the store.
	Keys(cb func(string)) error
	// Len returns the number of entries in the store.
	Len() (int, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// ErrStoreDeleted is returned when using a store after it was deleted.
var ErrStoreDeleted = errors.New("store deleted")

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	// one connection serializes readers and writers, so no busy errors
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init sqlite %s: %w", filename, err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s SQLiteStorage) Open(name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return sqliteStore{storage: s, name: name}, nil
}

func (s SQLiteStorage) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY created_at, name")
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

// Delete removes the store and its entries in a single transaction,
// so readers never observe a half-deleted store.
func (s SQLiteStorage) Delete(name string) (bool, error) {
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

type sqliteStore struct {
	storage SQLiteStorage
	name    string
}

func (s sqliteStore) Match(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := s.storage.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE store = ? AND key = ?",
		s.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

func (s sqliteStore) Put(entry Entry) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	if ok, err := s.storage.Has(s.name); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("put %s: %w", s.name, ErrStoreDeleted)
	}
	_, err := s.storage.db.Exec(`INSERT OR REPLACE INTO entries
		(store, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		s.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes)
	return err
}

func (s sqliteStore) Delete(key string) (bool, error) {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	result, err := s.storage.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", s.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s sqliteStore) Keys(cb func(string)) error {
	rows, err := s.storage.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY key", s.name)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s sqliteStore) Len() (int, error) {
	var count int
	err := s.storage.db.QueryRow("SELECT COUNT(*) FROM entries WHERE store = ?", s.name).Scan(&count)
	return count, err
}
