// Package emit provides pluggable observability for flowrx engines.
//
// Reactive nodes emit one Event per observable change: status transitions,
// action start and completion, merges and retries. Emitters route those
// events to a backend (stdout, zerolog, OpenTelemetry) without the engine
// knowing which.
package emit

// Event is an observability event emitted during a job run.
type Event struct {
	// JobID identifies the run (the root job) that emitted this event.
	JobID string

	// TaskID identifies the task the event is about. Empty for
	// engine-level events (run started, run finished).
	TaskID string

	// Task is the human label of the task, when it has one.
	Task string

	// Msg names the event: "status_change", "action_start",
	// "action_end", "task_failed", "retry", "run_done".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	// "status", "error", "duration_ms", "event_type".
	Meta map[string]any
}
