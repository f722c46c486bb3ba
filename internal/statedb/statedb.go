// Package statedb persists the two small bookkeeping tables that survive
// restarts: the log of shipped buckets and the last crash state. Both live
// in sqlite files next to the collector.
package statedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func open(path string, production bool, schema, truncate string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init state db %s: %w", path, err)
	}
	// Development runs start from a clean slate, as production state from
	// an earlier experiment would poison dedupe decisions.
	if !production {
		if _, err := db.Exec(truncate); err != nil {
			db.Close()
			return nil, fmt.Errorf("truncate state db %s: %w", path, err)
		}
	}
	return db, nil
}

// BackupLog records which bucket names have already been shipped. A name
// present here will not be re-shipped by the non-overwrite path.
type BackupLog struct {
	db *sqlx.DB
}

const backupSchema = `
CREATE TABLE IF NOT EXISTS backup_info (
	col_name TEXT PRIMARY KEY,
	time     TEXT NOT NULL
);`

func OpenBackupLog(path string, production bool) (*BackupLog, error) {
	db, err := open(path, production, backupSchema, `DELETE FROM backup_info;`)
	if err != nil {
		return nil, err
	}
	return &BackupLog{db: db}, nil
}

func (l *BackupLog) Contains(name string) (bool, error) {
	var n int
	if err := l.db.Get(&n, `SELECT COUNT(*) FROM backup_info WHERE col_name = ?`, name); err != nil {
		return false, fmt.Errorf("backup_info lookup: %w", err)
	}
	return n > 0, nil
}

// Get returns the recorded ship time for a bucket name.
func (l *BackupLog) Get(name string) (time.Time, bool, error) {
	var ts string
	err := l.db.Get(&ts, `SELECT time FROM backup_info WHERE col_name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("backup_info lookup: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("backup_info time for %s: %w", name, err)
	}
	return t, true, nil
}

// Record inserts a shipped bucket; existing rows are left alone (the
// non-overwrite path never updates a ship time).
func (l *BackupLog) Record(name string, t time.Time) error {
	_, err := l.db.Exec(`INSERT OR IGNORE INTO backup_info (col_name, time) VALUES (?, ?)`,
		name, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("backup_info insert: %w", err)
	}
	return nil
}

// Upsert replaces the ship time; used by the overwrite path.
func (l *BackupLog) Upsert(name string, t time.Time) error {
	_, err := l.db.Exec(`INSERT INTO backup_info (col_name, time) VALUES (?, ?)
		ON CONFLICT(col_name) DO UPDATE SET time = excluded.time`,
		name, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("backup_info upsert: %w", err)
	}
	return nil
}

func (l *BackupLog) Close() error { return l.db.Close() }

// CrashRecord is the single row persisted at shutdown and consumed at the
// next start when it is fresh enough.
type CrashRecord struct {
	Time             time.Time
	Sequence         map[string]int64
	LastMatchTradeID map[string]int64
}

// CrashStore holds the last crash record.
type CrashStore struct {
	db *sqlx.DB
}

const crashSchema = `
CREATE TABLE IF NOT EXISTS last_crash_info (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	time                TEXT NOT NULL,
	sequence            TEXT NOT NULL,
	last_match_trade_id TEXT NOT NULL
);`

func OpenCrashStore(path string, production bool) (*CrashStore, error) {
	db, err := open(path, production, crashSchema, `DELETE FROM last_crash_info;`)
	if err != nil {
		return nil, err
	}
	return &CrashStore{db: db}, nil
}

// Save upserts the crash record.
func (s *CrashStore) Save(rec CrashRecord) error {
	seq, err := json.Marshal(rec.Sequence)
	if err != nil {
		return fmt.Errorf("marshal crash sequences: %w", err)
	}
	tid, err := json.Marshal(rec.LastMatchTradeID)
	if err != nil {
		return fmt.Errorf("marshal crash trade ids: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO last_crash_info (id, time, sequence, last_match_trade_id)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET time = excluded.time,
			sequence = excluded.sequence,
			last_match_trade_id = excluded.last_match_trade_id`,
		rec.Time.UTC().Format(time.RFC3339Nano), seq, tid)
	if err != nil {
		return fmt.Errorf("save crash record: %w", err)
	}
	return nil
}

// Load returns the crash record if one exists and is younger than maxAge
// relative to now.
func (s *CrashStore) Load(now time.Time, maxAge time.Duration) (CrashRecord, bool, error) {
	var row struct {
		Time             string `db:"time"`
		Sequence         string `db:"sequence"`
		LastMatchTradeID string `db:"last_match_trade_id"`
	}
	err := s.db.Get(&row, `SELECT time, sequence, last_match_trade_id FROM last_crash_info WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return CrashRecord{}, false, nil
	}
	if err != nil {
		return CrashRecord{}, false, fmt.Errorf("load crash record: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, row.Time)
	if err != nil {
		return CrashRecord{}, false, fmt.Errorf("crash record time: %w", err)
	}
	if now.Sub(t) >= maxAge {
		return CrashRecord{}, false, nil
	}

	rec := CrashRecord{Time: t}
	if err := json.Unmarshal([]byte(row.Sequence), &rec.Sequence); err != nil {
		return CrashRecord{}, false, fmt.Errorf("crash record sequences: %w", err)
	}
	if err := json.Unmarshal([]byte(row.LastMatchTradeID), &rec.LastMatchTradeID); err != nil {
		return CrashRecord{}, false, fmt.Errorf("crash record trade ids: %w", err)
	}
	return rec, true, nil
}

func (s *CrashStore) Close() error { return s.db.Close() }
