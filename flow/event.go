// Package flow implements the reactive execution engine.
//
// A persisted job graph is materialised into reactive nodes, one per task.
// Each node owns a behavior subject and derives an output stream by
// combining the latest events of its inputs (its own subject plus either
// its parent's subject or its upstream nodes' outputs) through a handler.
// Handlers drive the task state machine, persist every transition through
// the repository, and publish the resulting event downstream. The engine
// subscribes to the root job's output and terminates when the root reaches
// a final status.
package flow

import "github.com/flowrx/flowrx-go/flow/task"

// EventType classifies what an event asks of its observers.
type EventType string

const (
	// EventNone is the initial value of every subject; it carries no
	// request.
	EventNone EventType = "none"
	// EventSetup is a quiescent pass: ancestors have not asked this part
	// of the graph to run yet.
	EventSetup EventType = "setup"
	// EventRun is the real execution signal.
	EventRun EventType = "run"
	// EventRetry reopens a finished task and its descendants.
	EventRetry EventType = "retry"
	// EventFailed reports that the emitting task failed.
	EventFailed EventType = "failed"
	// EventFinished reports completion without requesting anything.
	EventFinished EventType = "finished"
)

// Event is the unit of propagation between reactive nodes.
type Event struct {
	Task *task.Task
	Type EventType
}

// isSetup reports whether every event is still quiescent.
func isSetup(events ...Event) bool {
	for _, e := range events {
		if e.Type != EventSetup && e.Type != EventNone {
			return false
		}
	}
	return true
}

// isRetry reports whether any event requests a retry.
func isRetry(events ...Event) bool {
	for _, e := range events {
		if e.Type == EventRetry {
			return true
		}
	}
	return false
}
