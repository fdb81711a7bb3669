// Package storage persists the room directory: which conversation rooms
// this peer participates in, and who the remote party is. The directory
// is what lets the wire client rejoin its room topics after a restart.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RoomEntry is one persisted room.
type RoomEntry struct {
	ID           string    `json:"id"`
	Counterparty string    `json:"counterparty"`
	Label        string    `json:"label"`
	LastSeen     time.Time `json:"last_seen"`
}

// Directory wraps the SQLite room directory.
type Directory struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the directory database at path.
func Open(path string) (*Directory, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id           TEXT PRIMARY KEY,
			counterparty TEXT DEFAULT '',
			label        TEXT DEFAULT '',
			last_seen    INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	return &Directory{db: db, path: path}, nil
}

// Close closes the database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *Directory) Path() string {
	return d.path
}

// Upsert inserts or updates a room. An empty counterparty or label leaves
// the stored value untouched, so a late-learned counterparty is never
// erased by a refresh that does not know it.
func (d *Directory) Upsert(id, counterparty, label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO rooms (id, counterparty, label, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			counterparty = CASE WHEN excluded.counterparty != '' THEN excluded.counterparty ELSE rooms.counterparty END,
			label        = CASE WHEN excluded.label != '' THEN excluded.label ELSE rooms.label END,
			last_seen    = excluded.last_seen
	`, id, counterparty, label, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", id, err)
	}
	return nil
}

// Touch bumps the room's last_seen timestamp.
func (d *Directory) Touch(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE rooms SET last_seen = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	return err
}

// Get returns one room entry; ok is false when the room is unknown.
func (d *Directory) Get(id string) (RoomEntry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var e RoomEntry
	var lastSeen int64
	err := d.db.QueryRow(`SELECT id, counterparty, label, last_seen FROM rooms WHERE id = ?`, id).
		Scan(&e.ID, &e.Counterparty, &e.Label, &lastSeen)
	if err == sql.ErrNoRows {
		return RoomEntry{}, false, nil
	}
	if err != nil {
		return RoomEntry{}, false, err
	}
	e.LastSeen = time.UnixMilli(lastSeen)
	return e, true, nil
}

// List returns all rooms, most recently seen first.
func (d *Directory) List() ([]RoomEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT id, counterparty, label, last_seen FROM rooms ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomEntry
	for rows.Next() {
		var e RoomEntry
		var lastSeen int64
		if err := rows.Scan(&e.ID, &e.Counterparty, &e.Label, &lastSeen); err != nil {
			return nil, err
		}
		e.LastSeen = time.UnixMilli(lastSeen)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes a room from the directory.
func (d *Directory) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`DELETE FROM rooms WHERE id = ?`, id)
	return err
}
