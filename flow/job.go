package flow

import (
	"context"

	"github.com/flowrx/flowrx-go/flow/task"
)

// JobNode is the reactive wrapper for a job. A job performs no action of
// its own: its trigger inputs (parent subject or upstream outputs) start
// the sub-graph through the job's subject, and its output is derived from
// its children's outputs by folding their statuses.
type JobNode struct {
	TaskNode
	children []Node
}

// NewJobNode wraps a job task.
func NewJobNode(t *task.Task) *JobNode {
	return &JobNode{
		TaskNode: TaskNode{
			task:    t,
			subject: NewSubject(Event{Task: t, Type: EventNone}),
			out:     NewStream(),
		},
	}
}

// Children returns the job's child nodes.
func (j *JobNode) Children() []Node { return j.children }

// run subscribes to the job's triggers and its children's outputs and
// starts the combine loop.
//
// Triggers are the upstream outputs when the job has upstream edges, the
// parent's subject otherwise. A root job has no trigger input at all; it
// is started explicitly through Start.
func (j *JobNode) run(ctx context.Context) {
	var triggers []*Stream
	if len(j.upstream) > 0 {
		for _, up := range j.upstream {
			triggers = append(triggers, up.Out())
		}
	} else if j.parent != nil {
		triggers = append(triggers, j.parent.Subject())
	}

	j.mb = newMailbox()
	for i, in := range append(append([]*Stream{}, triggers...), j.childStreams()...) {
		idx := i
		cancel := in.Subscribe(func(e Event) { j.mb.put(emission{idx: idx, ev: e}) })
		j.cancels = append(j.cancels, cancel)
	}
	go j.loop(ctx, len(triggers))
}

func (j *JobNode) childStreams() []*Stream {
	streams := make([]*Stream, len(j.children))
	for i, c := range j.children {
		streams[i] = c.Out()
	}
	return streams
}

// loop combines trigger and child emissions. Every complete trigger
// snapshot is turned into a sub-job start on the job's subject; every
// child emission after all children have emitted refolds the job's status
// and publishes downstream. A root job (no triggers) only folds children.
func (j *JobNode) loop(ctx context.Context, triggerArity int) {
	defer j.unsubscribe()

	childArity := len(j.children)
	triggerLatest := make([]Event, triggerArity)
	triggerSeen := make([]bool, triggerArity)
	triggersReady := 0
	childLatest := make([]Event, childArity)
	childSeen := make([]bool, childArity)
	childrenReady := 0
	started := triggerArity == 0

	for {
		em, ok := j.mb.recv(ctx)
		if !ok {
			return
		}

		if em.idx < triggerArity {
			triggerLatest[em.idx] = em.ev
			if !triggerSeen[em.idx] {
				triggerSeen[em.idx] = true
				triggersReady++
			}
			if triggersReady < triggerArity {
				continue
			}
			snapshot := make([]Event, triggerArity)
			copy(snapshot, triggerLatest)
			j.startSubJob(ctx, snapshot)
			started = true
			continue
		}

		ci := em.idx - triggerArity
		childLatest[ci] = em.ev
		if !childSeen[ci] {
			childSeen[ci] = true
			childrenReady++
		}
		if !started || childrenReady < childArity {
			continue
		}
		snapshot := make([]Event, childArity)
		copy(snapshot, childLatest)
		j.out.Next(j.fold(ctx, snapshot))
	}
}

// startSubJob translates a trigger snapshot into an event on the job's own
// subject, which the children observe.
func (j *JobNode) startSubJob(ctx context.Context, events []Event) {
	if isRetry(events...) {
		if err := j.setStatus(ctx, task.StatusReadyToRetry, ""); err != nil {
			j.reportError(err)
			return
		}
		j.subject.Next(Event{Task: j.task, Type: EventRetry})
		return
	}
	if isSetup(events...) || !j.task.IsRunnable() {
		j.subject.Next(Event{Task: j.task, Type: EventSetup})
		return
	}

	if err := j.refreshInput(ctx); err != nil {
		j.failWith(ctx, err)
		return
	}
	if err := j.startNow(ctx); err != nil {
		j.failWith(ctx, err)
		return
	}
	j.subject.Next(Event{Task: j.task, Type: EventRun})
}

// fold recomputes the job's status from its children's current statuses
// and publishes the result downstream.
func (j *JobNode) fold(ctx context.Context, events []Event) Event {
	statuses := make([]task.Status, len(events))
	for i, e := range events {
		statuses[i] = e.Task.Status
	}
	folded := task.ComputeStatus(statuses)

	if folded.IsFinal() && (j.task.Status != folded || j.task.FinishedAt == nil) {
		if err := j.finish(ctx); err != nil {
			return j.failWith(ctx, err)
		}
	}
	if err := j.setStatus(ctx, folded, ""); err != nil {
		return j.failWith(ctx, err)
	}

	switch {
	case isRetry(events...):
		return Event{Task: j.task, Type: EventRetry}
	case isSetup(events...):
		return Event{Task: j.task, Type: EventSetup}
	default:
		return Event{Task: j.task, Type: EventRun}
	}
}

// Start launches a root job: it stamps the start time and publishes RUN on
// the job's subject so the children begin executing.
func (j *JobNode) Start(ctx context.Context) error {
	if err := j.startNow(ctx); err != nil {
		return err
	}
	j.subject.Next(Event{Task: j.task, Type: EventRun})
	return nil
}
