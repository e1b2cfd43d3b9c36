package task

import "testing"

func TestStatus_IsFinal(t *testing.T) {
	tests := []struct {
		status Status
		final  bool
	}{
		{StatusScheduled, false},
		{StatusRunning, false},
		{StatusReadyToRetry, false},
		{StatusSuccess, true},
		{StatusFailed, true},
		{StatusSkipped, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsFinal(); got != tt.final {
				t.Errorf("IsFinal(%s) = %v, want %v", tt.status, got, tt.final)
			}
		})
	}
}

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty folds to scheduled", nil, StatusScheduled},
		{"single success", []Status{StatusSuccess}, StatusSuccess},
		{"all success", []Status{StatusSuccess, StatusSuccess}, StatusSuccess},
		{"all skipped", []Status{StatusSkipped, StatusSkipped}, StatusSkipped},
		{"failed wins over running", []Status{StatusRunning, StatusFailed, StatusSuccess}, StatusFailed},
		{"failed wins over success", []Status{StatusSuccess, StatusFailed}, StatusFailed},
		{"running wins over scheduled", []Status{StatusScheduled, StatusRunning}, StatusRunning},
		{"retry wins over failed", []Status{StatusFailed, StatusReadyToRetry}, StatusReadyToRetry},
		{"retry wins over everything", []Status{StatusSuccess, StatusRunning, StatusFailed, StatusReadyToRetry}, StatusReadyToRetry},
		{"mixed success and scheduled", []Status{StatusSuccess, StatusScheduled}, StatusScheduled},
		{"mixed success and skipped", []Status{StatusSuccess, StatusSkipped}, StatusScheduled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeStatus(tt.statuses); got != tt.want {
				t.Errorf("ComputeStatus(%v) = %s, want %s", tt.statuses, got, tt.want)
			}
		})
	}
}

// TestComputeStatus_Precedence verifies the documented ordering contract:
// a single READY_TO_RETRY child reopens a job even when a sibling failed,
// and a single FAILED child fails a job while siblings still run.
func TestComputeStatus_Precedence(t *testing.T) {
	t.Run("retry reopens a finished job", func(t *testing.T) {
		got := ComputeStatus([]Status{StatusSuccess, StatusSuccess, StatusReadyToRetry})
		if got != StatusReadyToRetry {
			t.Errorf("expected READY_TO_RETRY, got %s", got)
		}
	})

	t.Run("job fails while siblings run", func(t *testing.T) {
		got := ComputeStatus([]Status{StatusFailed, StatusRunning, StatusScheduled})
		if got != StatusFailed {
			t.Errorf("expected FAILED, got %s", got)
		}
	})
}
