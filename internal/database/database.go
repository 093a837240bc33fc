package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no row matches the requested id
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database holding the agent's durable collections
type DB struct {
	*sql.DB
	path string

	// one writer at a time per collection
	locationMu sync.Mutex
	queueMu    sync.Mutex
	deadMu     sync.Mutex
	settingsMu sync.Mutex

	LocationUpdates *LocationUpdates
	Queue           *Queue
	DeadLetters     *DeadLetters
	Settings        *Settings
}

// Open opens the store at path. A store that cannot be opened or fails its
// integrity check is deleted and recreated; queued data is lost in that case.
func Open(path string) (*DB, error) {
	db, err := open(path)
	if err == nil {
		return db, nil
	}

	log.Warn().Err(err).Str("path", path).Msg("[STORE] Store unusable, recreating")
	if rmErr := removeFiles(path); rmErr != nil {
		return nil, fmt.Errorf("remove corrupt store: %w", rmErr)
	}

	db, err = open(path)
	if err != nil {
		return nil, fmt.Errorf("recreate store: %w", err)
	}
	log.Info().Str("path", path).Msg("[STORE] Store recreated")
	return db, nil
}

func open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_sync=FULL")
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps transactions simple.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, path: path}
	if err := db.check(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db.LocationUpdates = &LocationUpdates{db: db}
	db.Queue = &Queue{db: db}
	db.DeadLetters = &DeadLetters{db: db}
	db.Settings = &Settings{db: db}
	return db, nil
}

func (db *DB) check() error {
	if err := db.Ping(); err != nil {
		return err
	}
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS location_updates (
		id TEXT PRIMARY KEY,
		driver_name TEXT NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		accuracy REAL NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at DATETIME NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 1,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queue_priority ON queue(priority);

	CREATE TABLE IF NOT EXISTS dead_letters (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at DATETIME NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 1,
		last_error TEXT,
		dead_lettered_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

// Path returns the file backing the store
func (db *DB) Path() string {
	return db.path
}

// IsCorrupt reports whether err means the database file itself is damaged
func IsCorrupt(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB
}

// Recover recreates the store when err reports a damaged file. The
// operation that failed is lost; Recover reports whether a reset happened.
func (db *DB) Recover(err error) bool {
	if !IsCorrupt(err) {
		return false
	}
	log.Error().Err(err).Str("path", db.path).Msg("[STORE] Store damaged, recreating; in-flight operation lost")
	if resetErr := db.Reset(); resetErr != nil {
		log.Error().Err(resetErr).Str("path", db.path).Msg("[STORE] Failed to recreate store")
		return false
	}
	return true
}

// Reset deletes and recreates the store. Used after a storage failure.
func (db *DB) Reset() error {
	db.locationMu.Lock()
	db.queueMu.Lock()
	db.deadMu.Lock()
	db.settingsMu.Lock()
	defer db.locationMu.Unlock()
	defer db.queueMu.Unlock()
	defer db.deadMu.Unlock()
	defer db.settingsMu.Unlock()

	db.DB.Close()
	if err := removeFiles(db.path); err != nil {
		return err
	}
	fresh, err := open(db.path)
	if err != nil {
		return err
	}
	db.DB = fresh.DB
	log.Warn().Str("path", db.path).Msg("[STORE] Store reset")
	return nil
}

func removeFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
