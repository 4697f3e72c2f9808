// Package store provides durable backends for deployments that must
// survive restarts: a SQLite task store behind the queue's key-value
// contract and a Redis request-rate window for multi-node scoring.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// SQLiteTaskStore persists deliberation tasks keyed by task ID.
type SQLiteTaskStore struct {
	db *sql.DB
}

// OpenSQLiteTaskStore opens (or creates) the database at path and
// migrates the schema. Use ":memory:" for tests.
func OpenSQLiteTaskStore(path string) (*SQLiteTaskStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteTaskStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteTaskStore wraps an existing handle.
func NewSQLiteTaskStore(db *sql.DB) (*SQLiteTaskStore, error) {
	s := &SQLiteTaskStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTaskStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS deliberation_tasks (
        task_id TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        message_id TEXT,
        body JSON NOT NULL,
        created_at DATETIME,
        updated_at DATETIME
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// PersistTask implements contracts.TaskStore. Upsert keyed by task ID:
// the queue persists on every mutation, so replace is the common case.
func (s *SQLiteTaskStore) PersistTask(ctx context.Context, task *contracts.DeliberationTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.TaskID, err)
	}
	query := `
        INSERT INTO deliberation_tasks (task_id, status, message_id, body, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(task_id) DO UPDATE SET
            status = excluded.status,
            body = excluded.body,
            updated_at = excluded.updated_at
    `
	messageID := ""
	if task.Message != nil {
		messageID = task.Message.ID
	}
	_, err = s.db.ExecContext(ctx, query,
		task.TaskID, string(task.Status), messageID, body, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persist task %s: %w", task.TaskID, err)
	}
	return nil
}

// LoadTasks implements contracts.TaskStore.
func (s *SQLiteTaskStore) LoadTasks(ctx context.Context) ([]*contracts.DeliberationTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM deliberation_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*contracts.DeliberationTask
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var task contracts.DeliberationTask
		if err := json.Unmarshal(body, &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Close releases the database handle.
func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}
