package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowrx/flowrx-go/flow/emit"
	"github.com/flowrx/flowrx-go/flow/store"
	"github.com/flowrx/flowrx-go/flow/task"
)

// defaultRetrySettle paces the two waves of a retry. It only needs to be
// long enough for the reopen wave to drain through the graph.
const defaultRetrySettle = 100 * time.Millisecond

// Options configures an Engine. The zero value is usable: no emitter, no
// metrics, the process-wide kind registry and the default retry settle.
type Options struct {
	// Emitter receives observability events. Nil disables emission.
	Emitter emit.Emitter
	// Metrics receives Prometheus measurements. Nil disables them.
	Metrics *Metrics
	// Kinds resolves task kinds to actions. Nil uses task.Kinds.
	Kinds *task.KindRegistry
	// RetrySettle overrides the pause between retry waves.
	RetrySettle time.Duration
}

// Engine executes one persisted job graph reactively. Create it with New,
// or through a Registry when at most one engine per job must exist.
//
// An engine is single-flight: Run and Retry refuse to overlap. Both load
// the graph fresh from the repository, so an engine can be reused for a
// run followed by any number of retries.
type Engine struct {
	repo  store.Repository
	jobID uuid.UUID
	opts  Options

	mu       sync.Mutex
	running  bool
	registry *Registry
}

// New creates an engine for the given job.
func New(repo store.Repository, jobID uuid.UUID, opts Options) *Engine {
	if opts.RetrySettle <= 0 {
		opts.RetrySettle = defaultRetrySettle
	}
	return &Engine{repo: repo, jobID: jobID, opts: opts}
}

// JobID returns the job this engine executes.
func (e *Engine) JobID() uuid.UUID { return e.jobID }

// Run executes the job from its current persisted state until the root
// job reaches a final status or the context is cancelled. Tasks already
// in a final status are not re-executed.
//
// A FAILED outcome is not an error: Run returns nil and the caller reads
// the verdict off the job's status. Errors mean the run itself could not
// proceed (unknown job, unresolvable kind, persistence failure).
func (e *Engine) Run(ctx context.Context) error {
	return e.execute(ctx, "run", func(ctx context.Context, nodes map[uuid.UUID]Node, root *JobNode) error {
		return root.Start(ctx)
	})
}

// Retry reopens the given task and re-runs the affected region of the
// graph: the task itself, everything downstream of it, and the ancestor
// fold, while untouched branches keep their final statuses. It blocks
// until the root job settles back into a final status.
func (e *Engine) Retry(ctx context.Context, taskID uuid.UUID) error {
	return e.execute(ctx, "retry", func(ctx context.Context, nodes map[uuid.UUID]Node, root *JobNode) error {
		target, ok := nodes[taskID]
		if !ok {
			return engineErr(ErrCodeTaskNotFound, "task %s not found in job %s", taskID, e.jobID)
		}
		go target.Retry(ctx)
		return nil
	})
}

// execute loads and materialises the graph, launches it, and waits for the
// root to settle.
func (e *Engine) execute(ctx context.Context, mode string, launch func(context.Context, map[uuid.UUID]Node, *JobNode) error) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return engineErr(ErrCodeAlreadyRunning, "engine for job %s is already running", e.jobID)
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		if e.registry != nil {
			e.registry.Delete(e.jobID)
		}
	}()

	rootTask, err := e.repo.Get(ctx, e.jobID, true)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wrapEngineErr(ErrCodeJobNotFound, err, "job %s not found", e.jobID)
		}
		return wrapEngineErr(ErrCodePersistence, err, "load job %s", e.jobID)
	}

	nodes, err := Build(rootTask, e.opts.Kinds)
	if err != nil {
		return wrapEngineErr(ErrCodeBuildFailed, err, "build job %s", e.jobID)
	}
	root, ok := nodes[rootTask.ID].(*JobNode)
	if !ok {
		return engineErr(ErrCodeBuildFailed, "job %s did not build to a job node", e.jobID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var doneOnce sync.Once
	var fatal error
	var fatalMu sync.Mutex
	signalDone := func() { doneOnce.Do(func() { close(done) }) }

	b := binding{
		jobID: e.jobID.String(),
		mu:    &sync.Mutex{},
		commit: func(ctx context.Context) error {
			if err := e.repo.Flush(ctx); err != nil {
				return err
			}
			return e.repo.Commit(ctx)
		},
		onError: func(err error) {
			fatalMu.Lock()
			if fatal == nil {
				fatal = err
			}
			fatalMu.Unlock()
			signalDone()
		},
		emitter: e.opts.Emitter,
		metrics: e.opts.Metrics,
		settle:  e.opts.RetrySettle,
	}
	for _, n := range nodes {
		n.bind(b)
	}

	// pending reports whether any task is still executing or could still
	// be triggered. The root may fold to FAILED while an independent
	// sibling branch is mid-flight; the run only ends once that branch
	// has drained too. Runnability alone is not enough: a child of a
	// sub-job that never started is runnable on paper but has no trigger
	// left, so only armed nodes count.
	pending := func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, n := range nodes {
			t := n.Task()
			if t.Status == task.StatusRunning || (t.IsRunnable() && n.armed()) {
				return true
			}
		}
		return false
	}

	// The run is over once the root is final, the event wave that made it
	// final has passed through (a RUN wave, or FAILED on a hard error),
	// and no task remains in flight.
	unsub := root.Out().Subscribe(func(ev Event) {
		if ev.Task.IsFinished() && (ev.Type == EventRun || ev.Type == EventFailed) && !pending() {
			signalDone()
		}
	})
	defer unsub()

	for _, n := range nodes {
		n.run(runCtx)
	}
	if err := launch(runCtx, nodes, root); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		e.emitRun(mode, "cancelled", rootTask)
		return wrapEngineErr(ErrCodeCancelled, ctx.Err(), "%s of job %s cancelled", mode, e.jobID)
	}

	fatalMu.Lock()
	err = fatal
	fatalMu.Unlock()
	if err != nil {
		return wrapEngineErr(ErrCodePersistence, err, "%s of job %s aborted", mode, e.jobID)
	}

	e.emitRun(mode, string(rootTask.Status), rootTask)
	return nil
}

func (e *Engine) emitRun(mode, outcome string, root *task.Task) {
	if e.opts.Emitter == nil {
		return
	}
	e.opts.Emitter.Emit(emit.Event{
		JobID:  e.jobID.String(),
		TaskID: root.ID.String(),
		Task:   root.Name,
		Msg:    "run_done",
		Meta:   map[string]any{"mode": mode, "status": outcome},
	})
}
