// Package archive journals published snapshots to a local SQLite database
// for post-hoc inspection. It is an optional tap on the publish path and is
// never in the critical section of a recompute.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"simulacrum/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	version   INTEGER PRIMARY KEY,
	ts        TEXT NOT NULL,
	readables TEXT NOT NULL
);`

// Journal appends snapshots to a SQLite file.
type Journal struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open creates or opens the archive database at path and ensures the
// schema exists.
func Open(path string, log *logrus.Entry) (*Journal, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	return &Journal{db: db, log: log}, nil
}

// Record appends one snapshot. Versions are unique; replaying the same
// version overwrites its row, which keeps restarts idempotent.
func (j *Journal) Record(snap *model.Snapshot) error {
	payload, err := json.Marshal(snap.Readables)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", snap.Version, err)
	}
	_, err = j.db.Exec(
		`INSERT OR REPLACE INTO snapshots (version, ts, readables) VALUES (?, ?, ?)`,
		snap.Version, snap.Timestamp.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("record snapshot %d: %w", snap.Version, err)
	}
	return nil
}

// Load reads one archived snapshot back by version.
func (j *Journal) Load(version uint64) (*model.Snapshot, error) {
	row := j.db.QueryRow(`SELECT ts, readables FROM snapshots WHERE version = ?`, version)
	var ts, payload string
	if err := row.Scan(&ts, &payload); err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", version, err)
	}
	stamp, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %d timestamp: %w", version, err)
	}
	var readables model.Readings
	if err := json.Unmarshal([]byte(payload), &readables); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", version, err)
	}
	return &model.Snapshot{Version: version, Timestamp: stamp, Readables: readables}, nil
}

// Versions lists the archived versions in ascending order.
func (j *Journal) Versions() ([]uint64, error) {
	rows, err := j.db.Query(`SELECT version FROM snapshots ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list archived versions: %w", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var v uint64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Close flushes and closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Tap wraps a snapshot consumer so the journal records every published
// snapshot before fan-out. Archive failures are logged, never propagated.
type Tap struct {
	journal *Journal
	next    interface{ Publish(*model.Snapshot) }
}

// NewTap chains the journal in front of the given publisher.
func NewTap(journal *Journal, next interface{ Publish(*model.Snapshot) }) *Tap {
	return &Tap{journal: journal, next: next}
}

// Publish records the snapshot and forwards it.
func (t *Tap) Publish(snap *model.Snapshot) {
	if err := t.journal.Record(snap); err != nil {
		t.journal.log.WithField("version", snap.Version).Warnf("archive write failed: %v", err)
	}
	t.next.Publish(snap)
}
