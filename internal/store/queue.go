package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Run kinds accepted by the queue.
const (
	KindAnalysis = "analysis"
	KindResearch = "research"
)

// Queue statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// QueuedRun is a goal waiting for, or taken by, the scheduler.
type QueuedRun struct {
	ID        int64
	ChatID    string
	Kind      string
	Goal      string
	Status    string
	ProcessID string
	Summary   string
	CreatedAt time.Time
}

func (s *SQLite) Enqueue(ctx context.Context, chatID, kind, goal string) (int64, error) {
	now := time.Now().UnixNano()
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (chat_id, kind, goal, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		chatID, kind, goal, StatusQueued, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ClaimNext marks the oldest queued run as running and returns it. It returns
// ErrNotFound when the queue is empty.
func (s *SQLite) ClaimNext(ctx context.Context) (*QueuedRun, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run := &QueuedRun{}
	var created int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, chat_id, kind, goal, created_at FROM runs WHERE status = ? ORDER BY id LIMIT 1`,
		StatusQueued).Scan(&run.ID, &run.ChatID, &run.Kind, &run.Goal, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		StatusRunning, time.Now().UnixNano(), run.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	run.Status = StatusRunning
	run.CreatedAt = time.Unix(0, created)
	return run, nil
}

// Finish records the outcome of a claimed run.
func (s *SQLite) Finish(ctx context.Context, id int64, status, processID, summary string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status = ?, process_id = ?, summary = ?, updated_at = ? WHERE id = ?`,
		status, processID, summary, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueRunning returns runs left running by a crashed process to the queue.
func (s *SQLite) RequeueRunning(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE status = ?`,
		StatusQueued, time.Now().UnixNano(), StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearQueued drops the queued runs of a chat.
func (s *SQLite) ClearQueued(ctx context.Context, chatID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM runs WHERE chat_id = ? AND status = ?`, chatID, StatusQueued)
	return err
}

// RecentRuns lists the newest runs, newest first.
func (s *SQLite) RecentRuns(ctx context.Context, limit int) ([]QueuedRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, chat_id, kind, goal, status, process_id, summary, created_at FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedRun
	for rows.Next() {
		var r QueuedRun
		var created int64
		if err := rows.Scan(&r.ID, &r.ChatID, &r.Kind, &r.Goal, &r.Status, &r.ProcessID, &r.Summary, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}
