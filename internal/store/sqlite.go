// Package store persists process records, run events and queued runs in
// sqlite, and generated artifacts on the local filesystem.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/rahul/relay/internal/observability"
	"github.com/rahul/relay/internal/record"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// RecordStore persists finished records keyed by process and thread id.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec *record.Record, state string) error
	Records(ctx context.Context, processID string) ([]StoredRecord, error)
}

// StoredRecord is a persisted record with the state its thread ended in.
type StoredRecord struct {
	Record *record.Record
	State  string
}

// SQLite is the sqlite-backed store.
type SQLite struct {
	DB *sql.DB
}

func Open(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serialising through one connection avoids
	// SQLITE_BUSY under the scheduler and gateways.
	db.SetMaxOpenConns(1)

	queries := []string{
		`CREATE TABLE IF NOT EXISTS records (
			process_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			state TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (process_id, thread_id)
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			process_id TEXT,
			thread_id TEXT,
			type TEXT,
			data TEXT,
			timestamp INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_process ON run_events(process_id);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT,
			kind TEXT,
			goal TEXT,
			status TEXT DEFAULT 'queued',
			process_id TEXT DEFAULT '',
			summary TEXT DEFAULT '',
			created_at INTEGER,
			updated_at INTEGER
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLite{DB: db}, nil
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

// SaveRecord upserts rec. An update must be a legal transition from the
// stored version: the request never changes and completion never reverts.
func (s *SQLite) SaveRecord(ctx context.Context, rec *record.Record, state string) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prevPayload string
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE process_id = ? AND thread_id = ?`,
		rec.ProcessID, rec.ThreadID).Scan(&prevPayload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		var prev record.Record
		if err := json.Unmarshal([]byte(prevPayload), &prev); err != nil {
			return fmt.Errorf("decode stored record: %w", err)
		}
		if err := record.CheckTransition(&prev, rec); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (process_id, thread_id, state, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(process_id, thread_id) DO UPDATE SET
			state = excluded.state, payload = excluded.payload, updated_at = excluded.updated_at`,
		rec.ProcessID, rec.ThreadID, state, string(payload), time.Now().UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Records returns every thread of a process in creation order.
func (s *SQLite) Records(ctx context.Context, processID string) ([]StoredRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT state, payload FROM records WHERE process_id = ?`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var state, payload string
		if err := rows.Scan(&state, &payload); err != nil {
			return nil, err
		}
		rec := &record.Record{}
		if err := json.Unmarshal([]byte(payload), rec); err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		out = append(out, StoredRecord{Record: rec, State: state})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sortByCreation(out)
	return out, nil
}

func sortByCreation(recs []StoredRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Record.CreatedAt.Before(recs[j].Record.CreatedAt)
	})
}

// Record implements observability.EventSink so every logged event lands in
// the run log.
func (s *SQLite) Record(evt observability.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(
		`INSERT INTO run_events (process_id, thread_id, type, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
		evt.ProcessID, evt.ThreadID, string(evt.Type), string(data), evt.Timestamp.UnixNano())
	return err
}

// Events returns the run log of a process, oldest first.
func (s *SQLite) Events(ctx context.Context, processID string) ([]observability.Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT thread_id, type, data, timestamp FROM run_events WHERE process_id = ? ORDER BY id`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []observability.Event
	for rows.Next() {
		var threadID, typ, data string
		var ts int64
		if err := rows.Scan(&threadID, &typ, &data, &ts); err != nil {
			return nil, err
		}
		evt := observability.Event{
			Type:      observability.EventType(typ),
			ProcessID: processID,
			ThreadID:  threadID,
			Timestamp: time.Unix(0, ts),
		}
		if data != "" && data != "null" {
			_ = json.Unmarshal([]byte(data), &evt.Data)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
