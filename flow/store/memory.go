package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowrx/flowrx-go/flow/task"
)

// CommitRecord is one durable status transition observed by the Memory
// repository. The commit log lets tests assert that every transition was
// committed exactly once and that no two commits interleaved mid-task.
type CommitRecord struct {
	TaskID uuid.UUID
	From   task.Status
	To     task.Status
	Seq    int
}

// Memory is an in-memory Repository.
//
// It hands out live task pointers, so engine mutations are visible
// immediately; Flush stages the mutated statuses and Commit records the
// staged transitions in the commit log. Data is lost when the process
// terminates; use the SQLite or MySQL repository when runs must survive
// restarts.
type Memory struct {
	mu    sync.Mutex
	roots map[uuid.UUID]*task.Task
	tasks map[uuid.UUID]*task.Task

	staged    map[uuid.UUID]task.Status
	committed map[uuid.UUID]task.Status
	log       []CommitRecord
	seq       int
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		roots:     make(map[uuid.UUID]*task.Task),
		tasks:     make(map[uuid.UUID]*task.Task),
		staged:    make(map[uuid.UUID]task.Status),
		committed: make(map[uuid.UUID]task.Status),
	}
}

// Add indexes the job graph. The graph is stored by reference; no copy is
// made.
func (m *Memory) Add(_ context.Context, job *task.Task) error {
	if job.Type != task.TypeJob {
		return fmt.Errorf("add %s: root must be a job", job)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.roots[job.ID] = job
	m.index(job)
	return nil
}

func (m *Memory) index(t *task.Task) {
	m.tasks[t.ID] = t
	m.committed[t.ID] = t.Status
	for _, c := range t.Children {
		m.index(c)
	}
}

// Get returns the root job. loadGraph is accepted for interface parity;
// in-memory graphs are always fully connected.
func (m *Memory) Get(_ context.Context, jobID uuid.UUID, _ bool) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.roots[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job, nil
}

// GetTask returns a single task by id.
func (m *Memory) GetTask(_ context.Context, taskID uuid.UUID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, nil
}

// GetAll returns every root job.
func (m *Memory) GetAll(_ context.Context, _ bool) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*task.Task, 0, len(m.roots))
	for _, j := range m.roots {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Flush stages the current status of every indexed task.
func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.tasks {
		m.staged[id] = t.Status
	}
	return nil
}

// Commit appends one record per staged status change to the commit log.
func (m *Memory) Commit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	for id, status := range m.staged {
		if m.committed[id] == status {
			continue
		}
		m.log = append(m.log, CommitRecord{
			TaskID: id,
			From:   m.committed[id],
			To:     status,
			Seq:    m.seq,
		})
		m.committed[id] = status
	}
	return nil
}

// Refresh is a no-op: in-memory graphs are live.
func (m *Memory) Refresh(_ context.Context, _ *task.Task) error { return nil }

// CommitLog returns a copy of the durable status transitions in commit
// order.
func (m *Memory) CommitLog() []CommitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CommitRecord, len(m.log))
	copy(out, m.log)
	return out
}
