// Package cache is the loader's local SQLite store: a content-addressed
// asset cache for manifest entries carrying the cache hint, and the
// persisted preferences (language, static origin override).
//
// Asset paths embed their content hash, so a cached row never goes stale;
// it is still verified on read by the loader.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/webboot/dbopen"
)

// Preference keys.
const (
	PrefLang           = "lang"
	PrefStaticOverride = "static_override"
)

// Schema defines the cache tables.
const Schema = `
CREATE TABLE IF NOT EXISTS assets (
    path      TEXT PRIMARY KEY,
    body      BLOB NOT NULL,
    stored_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assets_stored_at ON assets(stored_at);

CREATE TABLE IF NOT EXISTS prefs (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Store wraps the cache database.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already-opened database that has Schema applied.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

// Close closes the database.
func (s *Store) Close() error { return s.DB.Close() }

// Get returns the cached body for path.
func (s *Store) Get(ctx context.Context, path string) ([]byte, bool, error) {
	var body []byte
	err := s.DB.QueryRowContext(ctx, `SELECT body FROM assets WHERE path = ?`, path).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", path, err)
	}
	return body, true, nil
}

// Put stores body under path, replacing any previous row.
func (s *Store) Put(ctx context.Context, path string, body []byte) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT OR REPLACE INTO assets (path, body, stored_at) VALUES (?, ?, ?)`,
		path, body, s.now().Unix())
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", path, err)
	}
	return nil
}

// Evict removes path from the cache.
func (s *Store) Evict(ctx context.Context, path string) error {
	if _, err := dbopen.Exec(ctx, s.DB, `DELETE FROM assets WHERE path = ?`, path); err != nil {
		return fmt.Errorf("cache: evict %s: %w", path, err)
	}
	return nil
}

// Prune deletes assets stored before now-maxAge and returns how many.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).Unix()
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM assets WHERE stored_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache: prune: %w", err)
	}
	return res.RowsAffected()
}

// Pref returns a persisted preference.
func (s *Store) Pref(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: pref %s: %w", key, err)
	}
	return v, true, nil
}

// SetPref persists a preference.
func (s *Store) SetPref(ctx context.Context, key, value string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("cache: set pref %s: %w", key, err)
	}
	return nil
}

// DeletePref removes a preference.
func (s *Store) DeletePref(ctx context.Context, key string) error {
	if _, err := dbopen.Exec(ctx, s.DB, `DELETE FROM prefs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: delete pref %s: %w", key, err)
	}
	return nil
}
