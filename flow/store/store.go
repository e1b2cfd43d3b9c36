// Package store provides persistence for flowrx jobs.
//
// The engine consumes the Repository interface and never talks to a
// database directly: every status, input, output and timestamp update is
// made durable through Flush followed by Commit, invoked by the engine's
// commit callback after each observable change. Implementations:
//
//   - Memory: map-backed, for testing and short-lived runs; records a
//     commit log of durable status transitions.
//   - SQLite: single-file database (modernc.org/sqlite), zero setup.
//   - MySQL: production deployments (go-sql-driver/mysql).
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/flowrx/flowrx-go/flow/task"
)

// ErrNotFound is returned when a requested job or task id does not exist.
var ErrNotFound = errors.New("not found")

// Repository loads and persists job graphs.
//
// Get must return a connected graph when loadGraph is true: children
// recursively hydrated, with upstream and downstream links resolved to
// in-memory task pointers. Repeated calls for the same job return the same
// task pointers until the repository is closed, so the engine's reactive
// nodes and the repository share one view of the graph.
type Repository interface {
	// Get loads the root job. With loadGraph the full tree and its
	// dependency edges are hydrated.
	Get(ctx context.Context, jobID uuid.UUID, loadGraph bool) (*task.Task, error)

	// GetTask loads a single task without relations, used for retry
	// lookups.
	GetTask(ctx context.Context, taskID uuid.UUID) (*task.Task, error)

	// GetAll returns every root job. Read-only, consumed by the HTTP
	// surface.
	GetAll(ctx context.Context, loadGraph bool) ([]*task.Task, error)

	// Add persists a newly constructed job graph.
	Add(ctx context.Context, job *task.Task) error

	// Flush stages the current in-memory state of all loaded graphs for
	// the next Commit.
	Flush(ctx context.Context) error

	// Commit makes the last flushed state durable.
	Commit(ctx context.Context) error

	// Refresh reloads the job's fields from the last committed state.
	Refresh(ctx context.Context, job *task.Task) error
}
