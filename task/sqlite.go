package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	description    TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	depends_on     TEXT NOT NULL DEFAULT '[]',
	assigned_agent TEXT NOT NULL DEFAULT '',
	parent_id      TEXT NOT NULL DEFAULT '',
	children       TEXT NOT NULL DEFAULT '[]',
	optional       INTEGER NOT NULL DEFAULT 0,
	tool           TEXT NOT NULL DEFAULT '',
	args           TEXT NOT NULL DEFAULT '{}',
	capabilities   TEXT NOT NULL DEFAULT '[]',
	queue_timeout  INTEGER NOT NULL DEFAULT 0,
	metadata       TEXT NOT NULL DEFAULT '{}',
	result         TEXT NOT NULL DEFAULT 'null',
	error          TEXT NOT NULL DEFAULT 'null',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	started_at     DATETIME,
	completed_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
`

const columns = `id, kind, description, priority, status, depends_on, assigned_agent,
	parent_id, children, optional, tool, args, capabilities, queue_timeout, metadata,
	result, error, created_at, updated_at, started_at, completed_at`

// SQLiteRepository persists tasks in a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at dbPath and ensures the
// tasks table exists. The caller is responsible for calling Close.
func OpenSQLite(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close releases the underlying database connection.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

type encoded struct {
	dependsOn, children, args, capabilities, metadata, result, failure string
}

func encode(t *Task) (encoded, error) {
	var e encoded
	fields := []struct {
		dst *string
		v   any
	}{
		{&e.dependsOn, nonNilSlice(t.DependsOn)},
		{&e.children, nonNilSlice(t.Children)},
		{&e.args, t.Args},
		{&e.capabilities, nonNilSlice(t.Capabilities)},
		{&e.metadata, t.Metadata},
		{&e.result, t.Result},
		{&e.failure, t.Error},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return e, fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		*f.dst = string(b)
	}
	return e, nil
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *SQLiteRepository) Insert(ctx context.Context, t *Task) error {
	e, err := encode(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO tasks (`+columns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Kind, t.Description, t.Priority, string(t.Status),
		e.dependsOn, t.AssignedAgent, t.ParentID, e.children, t.Optional,
		t.Tool, e.args, e.capabilities, int64(t.QueueTimeout), e.metadata,
		e.result, e.failure,
		t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *SQLiteRepository) Update(ctx context.Context, t *Task) error {
	e, err := encode(t)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET
			status=?, assigned_agent=?, children=?, result=?, error=?,
			updated_at=?, started_at=?, completed_at=?, metadata=?
		WHERE id=?`,
		string(t.Status), t.AssignedAgent, e.children, e.result, e.failure,
		t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), e.metadata,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + columns + " FROM tasks WHERE 1=1")
	args := []any{}

	if f.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*f.Status))
	}
	if f.Kind != "" {
		q.WriteString(" AND kind=?")
		args = append(args, f.Kind)
	}
	if f.ParentID != "" {
		q.WriteString(" AND parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.AssignedAgent != "" {
		q.WriteString(" AND assigned_agent=?")
		args = append(args, f.AssignedAgent)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, rowid ASC")
	if f.Limit > 0 {
		fmt.Fprintf(&q, " LIMIT %d", f.Limit)
		if f.Offset > 0 {
			fmt.Fprintf(&q, " OFFSET %d", f.Offset)
		}
	} else if f.Offset > 0 {
		fmt.Fprintf(&q, " LIMIT -1 OFFSET %d", f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status string
	var e encoded
	var queueTimeout int64
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Kind, &t.Description, &t.Priority, &status,
		&e.dependsOn, &t.AssignedAgent, &t.ParentID, &e.children, &t.Optional,
		&t.Tool, &e.args, &e.capabilities, &queueTimeout, &e.metadata,
		&e.result, &e.failure,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.QueueTimeout = time.Duration(queueTimeout)

	_ = json.Unmarshal([]byte(e.dependsOn), &t.DependsOn)
	_ = json.Unmarshal([]byte(e.children), &t.Children)
	_ = json.Unmarshal([]byte(e.args), &t.Args)
	_ = json.Unmarshal([]byte(e.capabilities), &t.Capabilities)
	_ = json.Unmarshal([]byte(e.metadata), &t.Metadata)
	_ = json.Unmarshal([]byte(e.result), &t.Result)
	_ = json.Unmarshal([]byte(e.failure), &t.Error)

	if len(t.DependsOn) == 0 {
		t.DependsOn = nil
	}
	if len(t.Children) == 0 {
		t.Children = nil
	}
	if len(t.Capabilities) == 0 {
		t.Capabilities = nil
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
