package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates leaf tasks from jobs. Both share the Task struct and
// the same storage row (single-table polymorphism); only jobs carry children.
type Type string

const (
	TypeTask Type = "TASK"
	TypeJob  Type = "JOB"
)

// Task is the persistent unit of work. A Task with Type TypeJob is a job:
// a task containing child tasks with intra-job dependency edges. Jobs may
// themselves be children of a larger job.
//
// The engine only mutates Status, Error, Input, Output, StartedAt and
// FinishedAt; identity, topology and Kind are fixed by application code
// before the run starts.
type Task struct {
	ID   uuid.UUID
	Kind string
	Type Type
	Name string

	Status Status
	Error  string

	// Input and Output are opaque JSON-serialisable payloads whose
	// interpretation is kind-specific. Input is assigned by the merger
	// from upstream outputs before the action runs; Output is whatever
	// the action last returned.
	Input  any
	Output any

	StartedAt  *time.Time
	FinishedAt *time.Time

	ParentID *uuid.UUID
	Parent   *Task
	Children []*Task

	// UpstreamLinks are the edges for which this task is the downstream
	// endpoint; DownstreamLinks the reverse. Both are hydrated at load
	// time from the task_dependencies table.
	UpstreamLinks   []*Dependency
	DownstreamLinks []*Dependency
}

// Dependency is a directed edge between two tasks inside one enclosing job.
// Upstream outputs flow along edges into the downstream task's input,
// combined according to Strategy.
type Dependency struct {
	TaskID         uuid.UUID
	UpstreamTaskID uuid.UUID
	JobID          uuid.UUID

	Task         *Task
	UpstreamTask *Task

	Strategy MergeStrategy

	// Mapper names a function in the mapper registry. Required when
	// Strategy is MergeCustom, ignored otherwise.
	Mapper string
}

// New creates a leaf task of the given kind.
func New(kind, name string) *Task {
	return &Task{
		ID:     uuid.New(),
		Kind:   kind,
		Type:   TypeTask,
		Name:   name,
		Status: StatusScheduled,
	}
}

// NewJob creates a job of the given kind.
func NewJob(kind, name string) *Task {
	t := New(kind, name)
	t.Type = TypeJob
	return t
}

// AddChild attaches child tasks to a job, setting their parent references.
func (t *Task) AddChild(children ...*Task) *Task {
	for _, c := range children {
		c.Parent = t
		id := t.ID
		c.ParentID = &id
		t.Children = append(t.Children, c)
	}
	return t
}

// AddUpstream declares that t depends on each of the given tasks, creating
// one edge per upstream with the given merge strategy. The mapper name binds
// a registered custom merger and is only valid with MergeCustom.
//
// Edges must stay within a single enclosing job and must not close a cycle;
// both violations are rejected here, at construction time.
func (t *Task) AddUpstream(strategy MergeStrategy, mapper string, upstream ...*Task) error {
	if mapper != "" && strategy != MergeCustom {
		return fmt.Errorf("mapper %q requires merge strategy %s, got %s", mapper, MergeCustom, strategy)
	}

	for _, up := range upstream {
		if t.hasUpstream(up.ID) {
			continue
		}
		if t.Parent == nil || up.Parent == nil || t.Parent.ID != up.Parent.ID {
			return fmt.Errorf("edge %s -> %s crosses job boundaries", up.describe(), t.describe())
		}
		if up.ID == t.ID || up.reaches(t.ID, map[uuid.UUID]bool{}) {
			return fmt.Errorf("edge %s -> %s would create a cycle", up.describe(), t.describe())
		}

		dep := &Dependency{
			TaskID:         t.ID,
			UpstreamTaskID: up.ID,
			JobID:          t.Parent.ID,
			Task:           t,
			UpstreamTask:   up,
			Strategy:       strategy,
			Mapper:         mapper,
		}
		t.UpstreamLinks = append(t.UpstreamLinks, dep)
		up.DownstreamLinks = append(up.DownstreamLinks, dep)
	}
	return nil
}

// AddDownstream is the mirror of AddUpstream with the default REPLACE
// strategy on every created edge.
func (t *Task) AddDownstream(downstream ...*Task) error {
	for _, down := range downstream {
		if err := down.AddUpstream(MergeReplace, "", t); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) hasUpstream(id uuid.UUID) bool {
	for _, l := range t.UpstreamLinks {
		if l.UpstreamTaskID == id {
			return true
		}
	}
	return false
}

// reaches reports whether id is reachable from t by following upstream
// edges. Used to reject cycles when new edges are declared.
func (t *Task) reaches(id uuid.UUID, seen map[uuid.UUID]bool) bool {
	if seen[t.ID] {
		return false
	}
	seen[t.ID] = true
	for _, up := range t.Upstream() {
		if up.ID == id || up.reaches(id, seen) {
			return true
		}
	}
	return false
}

// Upstream returns the producer tasks of t's incoming edges, in
// edge-declaration order.
func (t *Task) Upstream() []*Task {
	if len(t.UpstreamLinks) == 0 {
		return nil
	}
	ups := make([]*Task, 0, len(t.UpstreamLinks))
	for _, l := range t.UpstreamLinks {
		if l.UpstreamTask != nil {
			ups = append(ups, l.UpstreamTask)
		}
	}
	return ups
}

// Downstream returns the tasks that depend on t.
func (t *Task) Downstream() []*Task {
	if len(t.DownstreamLinks) == 0 {
		return nil
	}
	downs := make([]*Task, 0, len(t.DownstreamLinks))
	for _, l := range t.DownstreamLinks {
		if l.Task != nil {
			downs = append(downs, l.Task)
		}
	}
	return downs
}

// IsFinished reports whether the task reached a final status.
func (t *Task) IsFinished() bool { return t.Status.IsFinal() }

// IsRunnable reports whether the engine may execute the task now: the task
// is neither finished nor running, and every upstream has succeeded.
func (t *Task) IsRunnable() bool {
	if t.IsFinished() || t.Status == StatusRunning {
		return false
	}
	for _, up := range t.Upstream() {
		if up.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// Start stamps StartedAt. A retried task is re-stamped, and its previous
// FinishedAt is cleared so that a finish timestamp is present exactly when
// the status is final.
func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
	t.FinishedAt = nil
}

// Finish stamps FinishedAt.
func (t *Task) Finish() {
	now := time.Now()
	t.FinishedAt = &now
}

// Duration returns how long the task ran, or zero until it has both
// timestamps.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// OutputValue returns the observable output of the task: the action's last
// return value for a leaf, or the list of child outputs for a job.
func (t *Task) OutputValue() any {
	if t.Type != TypeJob {
		return t.Output
	}
	outs := make([]any, 0, len(t.Children))
	for _, c := range t.Children {
		outs = append(outs, c.OutputValue())
	}
	return outs
}

func (t *Task) describe() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID.String()
}

// String implements fmt.Stringer for log output.
func (t *Task) String() string {
	return fmt.Sprintf("<%s | %s>", t.describe(), t.Status)
}
