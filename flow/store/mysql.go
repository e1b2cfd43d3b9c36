package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/flowrx/flowrx-go/flow/task"
)

// MySQL is a Repository backed by MySQL/MariaDB, for production
// deployments where multiple services read job state while engines run.
//
// The DSN uses the go-sql-driver format, e.g.
//
//	user:password@tcp(localhost:3306)/flowrx
//
// Never hardcode credentials; read the DSN from the environment. The store
// auto-migrates its schema on first use and behaves like SQLite otherwise:
// an identity map shares task pointers with the engine, Flush upserts into
// an open transaction and Commit makes it durable.
type MySQL struct {
	db *sql.DB

	mu     sync.Mutex
	roots  map[uuid.UUID]*task.Task
	tasks  map[uuid.UUID]*task.Task
	tx     *sql.Tx
	closed bool
}

// NewMySQL connects, verifies the connection and migrates the schema.
func NewMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQL{
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

func (s *MySQL) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(36) PRIMARY KEY,
			kind VARCHAR(255) NOT NULL,
			task_type VARCHAR(10) NOT NULL,
			name VARCHAR(255),
			status VARCHAR(20) NOT NULL,
			error TEXT,
			input JSON,
			output JSON,
			started_at VARCHAR(40),
			finished_at VARCHAR(40),
			parent_id VARCHAR(36),
			INDEX idx_tasks_parent (parent_id),
			INDEX idx_tasks_kind (kind)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id VARCHAR(36) NOT NULL,
			upstream_task_id VARCHAR(36) NOT NULL,
			job_id VARCHAR(36) NOT NULL,
			merge_strategy VARCHAR(20) NOT NULL,
			mapper VARCHAR(255),
			PRIMARY KEY (task_id, upstream_task_id),
			INDEX idx_deps_job (job_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close rolls back any open transaction and closes the pool.
func (s *MySQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.closed = true
	return s.db.Close()
}

// Add persists a newly constructed job graph and attaches it.
func (s *MySQL) Add(ctx context.Context, job *task.Task) error {
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

func (s *MySQL) attach(t *task.Task) {
	s.tasks[t.ID] = t
	for _, c := range t.Children {
		s.attach(c)
	}
}

func (s *MySQL) writeTree(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	if err := upsertTask(ctx, tx, mysqlUpsertTask, t); err != nil {
		return err
	}
	for _, c := range t.Children {
		if err := s.writeTree(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, l := range t.UpstreamLinks {
		if _, err := tx.ExecContext(ctx, mysqlUpsertDep,
			l.TaskID.String(), l.UpstreamTaskID.String(), l.JobID.String(),
			string(l.Strategy), nullString(l.Mapper)); err != nil {
			return fmt.Errorf("write dependency: %w", err)
		}
	}
	return nil
}

// Get loads the root job; with loadGraph the tree and its edges are
// hydrated and attached to the identity map.
func (s *MySQL) Get(ctx context.Context, jobID uuid.UUID, loadGraph bool) (*task.Task, error) {
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

// GetTask returns a single task by id without relations.
func (s *MySQL) GetTask(ctx context.Context, taskID uuid.UUID) (*task.Task, error) {
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()
	return s.loadTask(ctx, taskID)
}

// GetAll returns every root job.
func (s *MySQL) GetAll(ctx context.Context, loadGraph bool) ([]*task.Task, error) {
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

// Flush upserts every attached task inside the open transaction.
func (s *MySQL) Flush(ctx context.Context) error {
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
		if err := upsertTask(ctx, s.tx, mysqlUpsertTask, t); err != nil {
			return err
		}
	}
	return nil
}

// Commit makes the flushed state durable.
func (s *MySQL) Commit(_ context.Context) error {
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

// Refresh reloads committed fields for every task in the job's tree.
func (s *MySQL) Refresh(ctx context.Context, job *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshTree(ctx, job)
}

func (s *MySQL) refreshTree(ctx context.Context, t *task.Task) error {
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

func (s *MySQL) loadTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
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

func (s *MySQL) loadChildren(ctx context.Context, root *task.Task) error {
	frontier := []*task.Task{root}
	for len(frontier) > 0 {
		var next []*task.Task
		for _, parent := range frontier {
			rows, err := s.db.QueryContext(ctx,
				`SELECT id, kind, task_type, name, status, error, input, output,
				        started_at, finished_at, parent_id
				 FROM tasks WHERE parent_id = ? ORDER BY id`, parent.ID.String())
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

func (s *MySQL) loadEdges(ctx context.Context, root *task.Task) error {
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

const mysqlUpsertTask = `
	INSERT INTO tasks (id, kind, task_type, name, status, error, input, output,
	                   started_at, finished_at, parent_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		status = VALUES(status),
		error = VALUES(error),
		input = VALUES(input),
		output = VALUES(output),
		started_at = VALUES(started_at),
		finished_at = VALUES(finished_at)`

const mysqlUpsertDep = `
	INSERT INTO task_dependencies (task_id, upstream_task_id, job_id, merge_strategy, mapper)
	VALUES (?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		merge_strategy = VALUES(merge_strategy),
		mapper = VALUES(mapper)`
