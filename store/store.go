// Package store keeps the devices the hub has seen, which of them are
// trusted, what they reported at registration, and their event history.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/proto"
)

var ErrNotFound = errors.New("store: device not found")

type Device struct {
	ID           string              `json:"id"`
	Transport    proto.TransportKind `json:"transport"`
	Address      string              `json:"address"`
	FirstSeen    time.Time           `json:"first_seen"`
	LastSeen     time.Time           `json:"last_seen"`
	Trusted      bool                `json:"trusted"`
	RegisteredAt *time.Time          `json:"registered_at,omitempty"`
	Capabilities *proto.Capabilities `json:"capabilities,omitempty"`
}

func (d Device) Registered() bool { return d.RegisteredAt != nil }

type Event struct {
	ID       int64         `json:"id"`
	DeviceID string        `json:"device_id"`
	Name     string        `json:"name"`
	Payload  proto.Payload `json:"payload"`
	At       time.Time     `json:"at"`
}

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	transport TEXT NOT NULL,
	address TEXT NOT NULL,
	first_seen DATETIME NOT NULL,
	last_seen DATETIME NOT NULL,
	trusted INTEGER NOT NULL DEFAULT 0,
	registered_at DATETIME,
	capabilities TEXT
);
CREATE TABLE IF NOT EXISTS device_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	name TEXT NOT NULL,
	payload TEXT,
	at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_events_device ON device_events(device_id, at);
`

// Open creates the database file and its directory when missing.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tables")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Touch records that a device was heard from at the given source. It
// reports whether this is the first time the device was seen.
func (s *SQLiteStore) Touch(ctx context.Context, id string, src proto.SourceInfo, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO devices (id, transport, address, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(src.Transport), src.Address, at, at)
	if err != nil {
		return false, errors.Wrapf(err, "insert device %s", id)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE devices SET transport = ?, address = ?, last_seen = ? WHERE id = ?`,
		string(src.Transport), src.Address, at, id)
	return false, errors.Wrapf(err, "update device %s", id)
}

func (s *SQLiteStore) SetTrusted(ctx context.Context, id string, trusted bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET trusted = ? WHERE id = ?`, trusted, id)
	if err != nil {
		return errors.Wrapf(err, "trust device %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveCapabilities(ctx context.Context, caps proto.Capabilities, at time.Time) error {
	data, err := json.Marshal(caps)
	if err != nil {
		return errors.Wrap(err, "marshal capabilities")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET capabilities = ?, registered_at = ? WHERE id = ?`,
		string(data), at.UTC(), caps.DeviceID)
	if err != nil {
		return errors.Wrapf(err, "save capabilities of %s", caps.DeviceID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const deviceColumns = `id, transport, address, first_seen, last_seen, trusted, registered_at, capabilities`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (Device, error) {
	var (
		d          Device
		transport  string
		registered sql.NullTime
		caps       sql.NullString
	)
	if err := row.Scan(&d.ID, &transport, &d.Address, &d.FirstSeen, &d.LastSeen, &d.Trusted, &registered, &caps); err != nil {
		return d, err
	}
	d.Transport = proto.TransportKind(transport)
	if registered.Valid {
		t := registered.Time
		d.RegisteredAt = &t
	}
	if caps.Valid && caps.String != "" {
		var c proto.Capabilities
		if err := json.Unmarshal([]byte(caps.String), &c); err != nil {
			return d, errors.Wrapf(err, "decode capabilities of %s", d.ID)
		}
		d.Capabilities = &c
	}
	return d, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, errors.Wrapf(err, "get device %s", id)
}

// List returns every known device, most recently seen first.
func (s *SQLiteStore) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY last_seen DESC, id`)
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan device")
		}
		devices = append(devices, d)
	}
	return devices, errors.Wrap(rows.Err(), "list devices")
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, e Event) (int64, error) {
	payload, err := e.Payload.MarshalJSON()
	if err != nil {
		return 0, errors.Wrap(err, "marshal event payload")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_events (device_id, name, payload, at) VALUES (?, ?, ?, ?)`,
		e.DeviceID, e.Name, string(payload), e.At.UTC())
	if err != nil {
		return 0, errors.Wrapf(err, "record event for %s", e.DeviceID)
	}
	return res.LastInsertId()
}

// Events returns up to limit of a device's most recent events, newest first.
func (s *SQLiteStore) Events(ctx context.Context, deviceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, name, payload, at FROM device_events
		WHERE device_id = ? ORDER BY at DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "events of %s", deviceID)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e       Event
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Name, &payload, &e.At); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if payload.Valid && payload.String != "" {
			if err := e.Payload.UnmarshalJSON([]byte(payload.String)); err != nil {
				return nil, errors.Wrapf(err, "decode event %d", e.ID)
			}
		}
		events = append(events, e)
	}
	return events, errors.Wrap(rows.Err(), "events")
}
