package flow

import (
	"context"
	"sync"
	"time"

	"github.com/flowrx/flowrx-go/flow/emit"
	"github.com/flowrx/flowrx-go/flow/task"
)

// Node is a reactive wrapper around one task in a job graph.
type Node interface {
	// Task returns the wrapped task.
	Task() *task.Task
	// Out returns the node's derived output stream.
	Out() *Stream
	// Retry reopens a finished node and re-propagates execution through
	// its downstream and ancestors. It must only be called while the
	// graph is running.
	Retry(ctx context.Context)

	bind(b binding)
	run(ctx context.Context)
	armed() bool
}

// binding carries the engine-owned collaborators shared by every node of
// one running graph.
type binding struct {
	jobID string
	// mu serialises all task mutations and commits across the graph.
	mu *sync.Mutex
	// commit flushes pending changes and commits them durably. It is
	// called with mu held after every mutation.
	commit func(ctx context.Context) error
	// onError reports a persistence failure that the graph cannot recover
	// from; the engine terminates the run.
	onError func(err error)
	emitter emit.Emitter
	metrics *Metrics
	// settle is the pause between the two waves of a retry, giving the
	// reopen wave time to drain before execution restarts.
	settle time.Duration
}

// TaskNode is the reactive wrapper for a leaf task. It subscribes to its
// own subject plus either its upstream nodes' outputs or, when it has no
// upstream, its parent job's subject, and reacts whenever all inputs have
// produced at least one event.
type TaskNode struct {
	task    *task.Task
	subject *Stream
	out     *Stream
	action  task.Action

	parent   *JobNode
	upstream []Node

	b       binding
	mb      *mailbox
	cancels []func()
}

// NewTaskNode wraps a leaf task with its resolved action.
func NewTaskNode(t *task.Task, action task.Action) *TaskNode {
	return &TaskNode{
		task:    t,
		subject: NewSubject(Event{Task: t, Type: EventNone}),
		out:     NewStream(),
		action:  action,
	}
}

// Task returns the wrapped task.
func (n *TaskNode) Task() *task.Task { return n.task }

// Out returns the node's derived output stream.
func (n *TaskNode) Out() *Stream { return n.out }

// Subject returns the node's own behavior subject.
func (n *TaskNode) Subject() *Stream { return n.subject }

func (n *TaskNode) bind(b binding) { n.b = b }

// inputs returns the streams combined into the node's output. The node's
// own subject is always index 0.
func (n *TaskNode) inputs() []*Stream {
	streams := []*Stream{n.subject}
	if len(n.upstream) == 0 {
		if n.parent != nil {
			streams = append(streams, n.parent.Subject())
		}
		return streams
	}
	for _, up := range n.upstream {
		streams = append(streams, up.Out())
	}
	return streams
}

// armed reports whether the node's trigger can still fire. Nodes fed by
// upstream edges and the root are always armed; a node fed by its parent
// job's subject is armed only once the parent has published a start or
// retry event. Children of a job whose gate never opened cannot run,
// whatever their own runnability says.
func (n *TaskNode) armed() bool {
	if len(n.upstream) > 0 || n.parent == nil {
		return true
	}
	ev, ok := n.parent.Subject().Latest()
	return ok && (ev.Type == EventRun || ev.Type == EventRetry)
}

// run subscribes to the node's inputs and starts the combine loop.
func (n *TaskNode) run(ctx context.Context) {
	streams := n.inputs()
	n.mb = newMailbox()
	for i, in := range streams {
		idx := i
		cancel := in.Subscribe(func(e Event) { n.mb.put(emission{idx: idx, ev: e}) })
		n.cancels = append(n.cancels, cancel)
	}
	go n.loop(ctx, len(streams))
}

// loop combines the latest event of each input and invokes the handler
// once every input has emitted at least once, then again on every further
// emission.
func (n *TaskNode) loop(ctx context.Context, arity int) {
	defer n.unsubscribe()

	latest := make([]Event, arity)
	seenAll := false
	seen := make([]bool, arity)
	ready := 0

	for {
		em, ok := n.mb.recv(ctx)
		if !ok {
			return
		}
		latest[em.idx] = em.ev
		if !seenAll && !seen[em.idx] {
			seen[em.idx] = true
			ready++
			seenAll = ready == arity
		}
		if !seenAll {
			continue
		}

		snapshot := make([]Event, arity)
		copy(snapshot, latest)
		n.out.Next(n.handle(ctx, snapshot))
	}
}

func (n *TaskNode) unsubscribe() {
	for _, cancel := range n.cancels {
		cancel()
	}
	n.cancels = nil
}

// handle reacts to one combined snapshot. events[0] is always the node's
// own subject; the rest are its upstream outputs or the parent subject.
func (n *TaskNode) handle(ctx context.Context, events []Event) Event {
	if isSetup(events...) {
		return Event{Task: n.task, Type: EventSetup}
	}

	if own, ok := n.subject.Latest(); isRetry(events...) && (!ok || own.Type != EventRun) {
		// Reopen wave. The node itself re-runs only once its own subject
		// flips to RUN; until then retries from upstream just reset the
		// status so downstream recomputes runnability.
		if err := n.setStatus(ctx, task.StatusReadyToRetry, ""); err != nil {
			return n.failWith(ctx, err)
		}
		return Event{Task: n.task, Type: EventRetry}
	}

	if n.task.IsRunnable() {
		return n.execute(ctx)
	}

	// Not runnable: either still waiting on upstream or already final.
	// Statuses gate execution, the event only records that the trigger
	// passed through.
	return Event{Task: n.task, Type: EventRun}
}

// execute drives the task through RUNNING to a final status, committing
// every transition.
func (n *TaskNode) execute(ctx context.Context) Event {
	if err := n.refreshInput(ctx); err != nil {
		return n.failWith(ctx, err)
	}
	if err := n.setStatus(ctx, task.StatusRunning, ""); err != nil {
		return n.failWith(ctx, err)
	}
	if err := n.startNow(ctx); err != nil {
		return n.failWith(ctx, err)
	}

	n.b.metrics.TaskStarted(n.task.Kind)
	n.emit("action_start", nil)
	began := time.Now()

	// The action runs outside the graph lock so independent branches
	// execute concurrently.
	output, err := n.action(ctx, n.task)

	elapsed := time.Since(began)
	n.b.metrics.ActionDone(n.task.Kind, err == nil, elapsed)
	n.emit("action_end", map[string]any{"duration_ms": elapsed.Milliseconds()})

	if err != nil {
		return n.failWith(ctx, err)
	}

	n.setOutput(output)
	if err := n.setStatus(ctx, task.StatusSuccess, ""); err != nil {
		return n.failWith(ctx, err)
	}
	if err := n.finish(ctx); err != nil {
		return n.failWith(ctx, err)
	}
	return Event{Task: n.task, Type: EventRun}
}

// failWith marks the task FAILED with the error, finishes it, and reports
// the failure downstream. Persistence errors on this path are forwarded to
// the engine since there is nothing further to fall back to.
func (n *TaskNode) failWith(ctx context.Context, cause error) Event {
	n.b.metrics.TaskFailed(n.task.Kind)
	n.emit("task_failed", map[string]any{"error": cause.Error()})

	if err := n.setStatus(ctx, task.StatusFailed, cause.Error()); err != nil {
		n.reportError(err)
	} else if err := n.finish(ctx); err != nil {
		n.reportError(err)
	}
	return Event{Task: n.task, Type: EventFailed}
}

func (n *TaskNode) reportError(err error) {
	if n.b.onError != nil {
		n.b.onError(err)
	}
}

// Retry reopens the node in two waves on its own subject: first RETRY,
// which flips the node and everything downstream to READY_TO_RETRY, then
// RUN, which re-executes the reopened region. Between the waves the loop
// drains so no node sees RUN before its reopen.
func (n *TaskNode) Retry(ctx context.Context) {
	n.b.metrics.TaskRetried(n.task.Kind)
	n.emit("retry", nil)

	n.sleep(ctx)
	if err := n.setStatus(ctx, task.StatusReadyToRetry, ""); err != nil {
		n.reportError(err)
		return
	}
	n.subject.Next(Event{Task: n.task, Type: EventRetry})
	n.sleep(ctx)
	n.subject.Next(Event{Task: n.task, Type: EventRun})
}

func (n *TaskNode) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(n.b.settle):
	}
}

// setStatus transitions the task's status and commits the change. It is a
// no-op when the status is unchanged.
func (n *TaskNode) setStatus(ctx context.Context, status task.Status, errMsg string) error {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()

	if n.task.Status == status {
		return nil
	}
	prev := n.task.Status
	n.task.Status = status
	if errMsg != "" {
		n.task.Error = errMsg
	}
	if !status.IsFinal() {
		// A task is finished exactly while its status is final; reopening
		// clears the stamp.
		n.task.FinishedAt = nil
	}
	if err := n.b.commit(ctx); err != nil {
		n.task.Status = prev
		return err
	}

	n.b.metrics.Committed()
	n.emit("status_change", map[string]any{"from": string(prev), "to": string(status)})
	return nil
}

// refreshInput recomputes the task's effective input from its upstream
// outputs and commits it.
func (n *TaskNode) refreshInput(ctx context.Context) error {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()

	if err := task.PrepareInput(n.task); err != nil {
		return err
	}
	return n.b.commit(ctx)
}

// startNow stamps the start of an execution attempt and commits. Finished
// time is cleared so a reopened task never looks final.
func (n *TaskNode) startNow(ctx context.Context) error {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()

	n.task.Start()
	return n.b.commit(ctx)
}

// finish stamps the completion time and commits.
func (n *TaskNode) finish(ctx context.Context) error {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()

	n.task.Finish()
	return n.b.commit(ctx)
}

// setOutput records the action result. The value is committed together
// with the SUCCESS transition that follows.
func (n *TaskNode) setOutput(output any) {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	n.task.Output = output
}

func (n *TaskNode) emit(msg string, meta map[string]any) {
	if n.b.emitter == nil {
		return
	}
	n.b.emitter.Emit(emit.Event{
		JobID:  n.b.jobID,
		TaskID: n.task.ID.String(),
		Task:   n.task.Name,
		Msg:    msg,
		Meta:   meta,
	})
}
