// Package task defines the persistent data model for flowrx jobs:
// tasks and their dependency edges, lifecycle statuses, input merging,
// and the registries that bind persisted rows back to executable code.
package task

// Status is the lifecycle state of a task or job.
//
// Statuses are persisted as strings and follow a fixed state machine:
// a task starts SCHEDULED, moves to RUNNING when its action is invoked,
// and lands in one of the final states (SUCCESS, FAILED, SKIPPED).
// A final task transitions again only through an explicit retry, which
// passes it through READY_TO_RETRY.
type Status string

const (
	StatusScheduled    Status = "SCHEDULED"
	StatusRunning      Status = "RUNNING"
	StatusSuccess      Status = "SUCCESS"
	StatusFailed       Status = "FAILED"
	StatusSkipped      Status = "SKIPPED"
	StatusReadyToRetry Status = "READY_TO_RETRY"
)

// IsFinal reports whether the status is terminal. Final tasks do not
// transition further except via an explicit retry.
func (s Status) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Priority returns the fold precedence of the status. Lower values win
// when computing a parent status from children: READY_TO_RETRY beats
// everything so that reopening one descendant pulls the whole ancestor
// chain out of its final state, and FAILED beats RUNNING so a job is
// failed as soon as any child fails, even while siblings continue.
func (s Status) Priority() int {
	switch s {
	case StatusReadyToRetry:
		return 0
	case StatusFailed:
		return 1
	case StatusRunning:
		return 2
	case StatusSkipped:
		return 3
	case StatusSuccess:
		return 4
	default: // StatusScheduled
		return 5
	}
}

// ComputeStatus folds a multiset of child statuses into one parent status.
//
// The precedence is a contract, checked in order:
//
//  1. empty → SCHEDULED
//  2. any READY_TO_RETRY → READY_TO_RETRY
//  3. any FAILED → FAILED
//  4. any RUNNING → RUNNING
//  5. all SKIPPED → SKIPPED
//  6. all SUCCESS → SUCCESS
//  7. otherwise → SCHEDULED
//
// The engine stores the computed value as the job's own status, so a job's
// persisted status is always a pure function of its children.
func ComputeStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusScheduled
	}

	var anyRetry, anyFailed, anyRunning bool
	allSkipped := true
	allSuccess := true

	for _, s := range statuses {
		switch s {
		case StatusReadyToRetry:
			anyRetry = true
		case StatusFailed:
			anyFailed = true
		case StatusRunning:
			anyRunning = true
		}
		if s != StatusSkipped {
			allSkipped = false
		}
		if s != StatusSuccess {
			allSuccess = false
		}
	}

	switch {
	case anyRetry:
		return StatusReadyToRetry
	case anyFailed:
		return StatusFailed
	case anyRunning:
		return StatusRunning
	case allSkipped:
		return StatusSkipped
	case allSuccess:
		return StatusSuccess
	default:
		return StatusScheduled
	}
}
