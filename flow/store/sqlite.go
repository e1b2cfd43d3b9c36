package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/flowrx/flowrx-go/flow/task"
)

// SQLite is a single-file Repository implementation.
//
// Designed for development, testing and single-process deployments that
// still need runs to survive restarts. The store auto-migrates its schema
// on first use and enables WAL mode so readers (the HTTP surface polling
// job state) do not block the engine's commits.
//
// Loaded graphs are kept in an identity map: the engine's reactive nodes
// and the repository mutate the same task pointers, and Flush/Commit write
// that shared state back. This mirrors a session with an open transaction:
// Flush upserts inside the transaction, Commit makes it durable and opens
// the next one lazily.
type SQLite struct {
	db *sql.DB

	mu     sync.Mutex
	roots  map[uuid.UUID]*task.Task
	tasks  map[uuid.UUID]*task.Task
	tx     *sql.Tx
	closed bool
}

// NewSQLite opens (and if needed creates) the database at path. Use
// ":memory:" for a throwaway database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{
		db:    db,
		roots: make(map[uuid.UUID]*task.Task),
		tasks: make(map[uuid.UUID]*task.Task),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			task_type TEXT NOT NULL,
			name TEXT,
			status TEXT NOT NULL,
			error TEXT,
			input TEXT,
			output TEXT,
			started_at TEXT,
			finished_at TEXT,
			parent_id TEXT REFERENCES tasks(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_kind ON tasks(kind)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL REFERENCES tasks(id),
			upstream_task_id TEXT NOT NULL REFERENCES tasks(id),
			job_id TEXT NOT NULL,
			merge_strategy TEXT NOT NULL,
			mapper TEXT,
			PRIMARY KEY (task_id, upstream_task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_job ON task_dependencies(job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close commits nothing: an open transaction is rolled back.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.closed = true
	return s.db.Close()
}

// Add persists a newly constructed job graph and attaches it to the
// identity map.
func (s *SQLite) Add(ctx context.Context, job *task.Task) error {
	if job.Type != task.TypeJob {
		return fmt.Errorf("add %s: root must be a job", job)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := s.writeTree(ctx, tx, job); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add: %w", err)
	}

	s.roots[job.ID] = job
	s.attach(job)
	return nil
}

func (s *SQLite) attach(t *task.Task) {
	s.tasks[t.ID] = t
	for _, c := range t.Children {
		s.attach(c)
	}
}

func (s *SQLite) writeTree(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	if err := upsertTask(ctx, tx, sqliteUpsertTask, t); err != nil {
		return err
	}
	for _, c := range t.Children {
		if err := s.writeTree(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, l := range t.UpstreamLinks {
		if _, err := tx.ExecContext(ctx, sqliteUpsertDep,
			l.TaskID.String(), l.UpstreamTaskID.String(), l.JobID.String(),
			string(l.Strategy), nullString(l.Mapper)); err != nil {
			return fmt.Errorf("write dependency: %w", err)
		}
	}
	return nil
}

// Get loads the root job, hydrating the full tree and its dependency edges
// when loadGraph is set. A job already attached to the identity map is
// returned as-is so that concurrent callers share one graph.
func (s *SQLite) Get(ctx context.Context, jobID uuid.UUID, loadGraph bool) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.roots[jobID]; ok {
		return job, nil
	}

	job, err := s.loadTask(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Type != task.TypeJob {
		return nil, fmt.Errorf("task %s is not a job", jobID)
	}
	if loadGraph {
		if err := s.loadChildren(ctx, job); err != nil {
			return nil, err
		}
		if err := s.loadEdges(ctx, job); err != nil {
			return nil, err
		}
		s.roots[jobID] = job
		s.attach(job)
	}
	return job, nil
}

// GetTask returns a single task by id without relations. Attached tasks are
// served from the identity map.
func (s *SQLite) GetTask(ctx context.Context, taskID uuid.UUID) (*task.Task, error) {
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()
	return s.loadTask(ctx, taskID)
}

// GetAll returns every root job.
func (s *SQLite) GetAll(ctx context.Context, loadGraph bool) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE parent_id IS NULL AND task_type = ?`, string(task.TypeJob))
	if err != nil {
		return nil, fmt.Errorf("query roots: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan root id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse root id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id, loadGraph)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Flush upserts every attached task inside the open transaction, beginning
// one if needed. Edges are immutable during a run and are written by Add.
func (s *SQLite) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if s.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		s.tx = tx
	}
	for _, t := range s.tasks {
		if err := upsertTask(ctx, s.tx, sqliteUpsertTask, t); err != nil {
			return err
		}
	}
	return nil
}

// Commit makes the flushed state durable.
func (s *SQLite) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Refresh reloads committed fields for every task in the job's tree into
// the existing pointers.
func (s *SQLite) Refresh(ctx context.Context, job *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshTree(ctx, job)
}

func (s *SQLite) refreshTree(ctx context.Context, t *task.Task) error {
	fresh, err := s.loadTask(ctx, t.ID)
	if err != nil {
		return err
	}
	t.Status = fresh.Status
	t.Error = fresh.Error
	t.Input = fresh.Input
	t.Output = fresh.Output
	t.StartedAt = fresh.StartedAt
	t.FinishedAt = fresh.FinishedAt
	for _, c := range t.Children {
		if err := s.refreshTree(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) loadTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, task_type, name, status, error, input, output,
		        started_at, finished_at, parent_id
		 FROM tasks WHERE id = ?`, id.String())
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// loadChildren hydrates the tree breadth-first, one query per level.
func (s *SQLite) loadChildren(ctx context.Context, root *task.Task) error {
	frontier := []*task.Task{root}
	for len(frontier) > 0 {
		var next []*task.Task
		for _, parent := range frontier {
			rows, err := s.db.QueryContext(ctx,
				`SELECT id, kind, task_type, name, status, error, input, output,
				        started_at, finished_at, parent_id
				 FROM tasks WHERE parent_id = ? ORDER BY rowid`, parent.ID.String())
			if err != nil {
				return fmt.Errorf("query children: %w", err)
			}
			for rows.Next() {
				c, err := scanTask(rows)
				if err != nil {
					rows.Close()
					return err
				}
				c.Parent = parent
				parent.Children = append(parent.Children, c)
				next = append(next, c)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}
		frontier = next
	}
	return nil
}

// loadEdges reads every dependency whose endpoints live in the tree and
// reconnects them to the hydrated task pointers. Edges referencing tasks
// outside the tree are skipped.
func (s *SQLite) loadEdges(ctx context.Context, root *task.Task) error {
	byID := map[uuid.UUID]*task.Task{}
	var walk func(*task.Task)
	walk = func(t *task.Task) {
		byID[t.ID] = t
		for _, c := range t.Children {
			walk(c)
		}
	}
	walk(root)

	ids := make([]any, 0, len(byID))
	ph := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id.String())
		ph = append(ph, "?")
	}

	query := fmt.Sprintf(
		`SELECT task_id, upstream_task_id, job_id, merge_strategy, mapper
		 FROM task_dependencies WHERE task_id IN (%s)`, strings.Join(ph, ","))
	rows, err := s.db.QueryContext(ctx, query, ids...)
	if err != nil {
		return fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		dep, err := scanDep(rows)
		if err != nil {
			return err
		}
		down, okDown := byID[dep.TaskID]
		up, okUp := byID[dep.UpstreamTaskID]
		if !okDown || !okUp {
			continue
		}
		dep.Task = down
		dep.UpstreamTask = up
		down.UpstreamLinks = append(down.UpstreamLinks, dep)
		up.DownstreamLinks = append(up.DownstreamLinks, dep)
	}
	return rows.Err()
}

const sqliteUpsertTask = `
	INSERT INTO tasks (id, kind, task_type, name, status, error, input, output,
	                   started_at, finished_at, parent_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		error = excluded.error,
		input = excluded.input,
		output = excluded.output,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at`

const sqliteUpsertDep = `
	INSERT INTO task_dependencies (task_id, upstream_task_id, job_id, merge_strategy, mapper)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(task_id, upstream_task_id) DO UPDATE SET
		merge_strategy = excluded.merge_strategy,
		mapper = excluded.mapper`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTask(ctx context.Context, db execer, query string, t *task.Task) error {
	input, err := marshalJSON(t.Input)
	if err != nil {
		return fmt.Errorf("marshal input of %s: %w", t, err)
	}
	output, err := marshalJSON(t.Output)
	if err != nil {
		return fmt.Errorf("marshal output of %s: %w", t, err)
	}

	var parentID sql.NullString
	if t.ParentID != nil {
		parentID = sql.NullString{String: t.ParentID.String(), Valid: true}
	}

	if _, err := db.ExecContext(ctx, query,
		t.ID.String(), t.Kind, string(t.Type), nullString(t.Name),
		string(t.Status), nullString(t.Error), input, output,
		nullTime(t.StartedAt), nullTime(t.FinishedAt), parentID); err != nil {
		return fmt.Errorf("write task %s: %w", t, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		id, kind, taskType, status      string
		name, errMsg, input, output     sql.NullString
		startedAt, finishedAt, parentID sql.NullString
	)
	if err := row.Scan(&id, &kind, &taskType, &name, &status, &errMsg,
		&input, &output, &startedAt, &finishedAt, &parentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	tid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}

	t := &task.Task{
		ID:     tid,
		Kind:   kind,
		Type:   task.Type(taskType),
		Name:   name.String,
		Status: task.Status(status),
		Error:  errMsg.String,
	}
	if t.Input, err = unmarshalJSON(input); err != nil {
		return nil, fmt.Errorf("decode input of %s: %w", tid, err)
	}
	if t.Output, err = unmarshalJSON(output); err != nil {
		return nil, fmt.Errorf("decode output of %s: %w", tid, err)
	}
	if t.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if t.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		pid, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent id: %w", err)
		}
		t.ParentID = &pid
	}
	return t, nil
}

func scanDep(row scanner) (*task.Dependency, error) {
	var (
		taskID, upstreamID, jobID, strategy string
		mapper                              sql.NullString
	)
	if err := row.Scan(&taskID, &upstreamID, &jobID, &strategy, &mapper); err != nil {
		return nil, fmt.Errorf("scan dependency: %w", err)
	}

	dep := &task.Dependency{
		Strategy: task.MergeStrategy(strategy),
		Mapper:   mapper.String,
	}
	var err error
	if dep.TaskID, err = uuid.Parse(taskID); err != nil {
		return nil, fmt.Errorf("parse dependency task id: %w", err)
	}
	if dep.UpstreamTaskID, err = uuid.Parse(upstreamID); err != nil {
		return nil, fmt.Errorf("parse dependency upstream id: %w", err)
	}
	if dep.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("parse dependency job id: %w", err)
	}
	return dep, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(v sql.NullString) (any, error) {
	if !v.Valid {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return &ts, nil
}
