package staticd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/webboot/dbopen"
	"github.com/hazyhaar/webboot/idgen"
)

// Schema holds beacons, sessions and the public links answered by /cs.
const Schema = `
CREATE TABLE IF NOT EXISTS beacons (
	beacon_id  TEXT PRIMARY KEY,
	event      INTEGER NOT NULL,
	message    TEXT NOT NULL,
	remote     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_beacons_created ON beacons(created_at);

CREATE TABLE IF NOT EXISTS sessions (
	sid        TEXT PRIMARY KEY,
	user_json  TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'valid' CHECK(state IN ('valid','revalidate')),
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS links (
	action  TEXT NOT NULL,
	handle  TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (action, handle)
);
`

// Beacon is one stored error report.
type Beacon struct {
	ID        string
	Event     int
	Message   string
	Remote    string
	CreatedAt time.Time
}

// Store persists the dev server state.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// NewStore wraps a database that has Schema applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, newID: idgen.BeaconID, now: time.Now}
}

// OpenStore opens the database at path and applies Schema.
func OpenStore(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("staticd: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// AddBeacon records a beacon.
func (s *Store) AddBeacon(ctx context.Context, event int, message, remote string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO beacons (beacon_id, event, message, remote, created_at) VALUES (?,?,?,?,?)`,
		s.newID(), event, message, remote, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("staticd: add beacon: %w", err)
	}
	return nil
}

// Beacons returns the most recent beacons, newest first.
func (s *Store) Beacons(ctx context.Context, limit int) ([]Beacon, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT beacon_id, event, message, remote, created_at FROM beacons
		 ORDER BY created_at DESC, beacon_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("staticd: list beacons: %w", err)
	}
	defer rows.Close()
	var out []Beacon
	for rows.Next() {
		var b Beacon
		var at int64
		if err := rows.Scan(&b.ID, &b.Event, &b.Message, &b.Remote, &at); err != nil {
			return nil, fmt.Errorf("staticd: scan beacon: %w", err)
		}
		b.CreatedAt = time.UnixMilli(at)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Beacon returns one beacon by id.
func (s *Store) Beacon(ctx context.Context, id string) (Beacon, bool, error) {
	var b Beacon
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT beacon_id, event, message, remote, created_at FROM beacons WHERE beacon_id = ?`, id).
		Scan(&b.ID, &b.Event, &b.Message, &b.Remote, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Beacon{}, false, nil
	}
	if err != nil {
		return Beacon{}, false, fmt.Errorf("staticd: get beacon: %w", err)
	}
	b.CreatedAt = time.UnixMilli(at)
	return b, true, nil
}

// CreateSession stores a session for user and returns its id. state is
// "valid" or "revalidate".
func (s *Store) CreateSession(ctx context.Context, user any, state string) (string, error) {
	data, err := json.Marshal(user)
	if err != nil {
		return "", fmt.Errorf("staticd: encode user: %w", err)
	}
	sid := idgen.SessionID()
	if _, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO sessions (sid, user_json, state, created_at) VALUES (?,?,?,?)`,
		sid, string(data), state, s.now().Unix()); err != nil {
		return "", fmt.Errorf("staticd: create session: %w", err)
	}
	return sid, nil
}

// Session returns the user JSON and state of sid.
func (s *Store) Session(ctx context.Context, sid string) (json.RawMessage, string, bool, error) {
	var user, state string
	err := s.db.QueryRowContext(ctx, `SELECT user_json, state FROM sessions WHERE sid = ?`, sid).Scan(&user, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("staticd: session: %w", err)
	}
	return json.RawMessage(user), state, true, nil
}

// DeleteSession removes sid.
func (s *Store) DeleteSession(ctx context.Context, sid string) error {
	if _, err := dbopen.Exec(ctx, s.db, `DELETE FROM sessions WHERE sid = ?`, sid); err != nil {
		return fmt.Errorf("staticd: delete session: %w", err)
	}
	return nil
}

// PutLink registers the answer to action for handle.
func (s *Store) PutLink(ctx context.Context, action, handle string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("staticd: encode link: %w", err)
	}
	if _, err := dbopen.Exec(ctx, s.db,
		`INSERT OR REPLACE INTO links (action, handle, payload) VALUES (?,?,?)`,
		action, handle, string(data)); err != nil {
		return fmt.Errorf("staticd: put link: %w", err)
	}
	return nil
}

// Link returns the answer to action for handle.
func (s *Store) Link(ctx context.Context, action, handle string) (json.RawMessage, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM links WHERE action = ? AND handle = ?`, action, handle).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("staticd: link: %w", err)
	}
	return json.RawMessage(payload), true, nil
}
