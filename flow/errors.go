package flow

import "fmt"

// Error codes returned by engine operations.
const (
	ErrCodeJobNotFound    = "JOB_NOT_FOUND"
	ErrCodeTaskNotFound   = "TASK_NOT_FOUND"
	ErrCodeBuildFailed    = "BUILD_FAILED"
	ErrCodeAlreadyRunning = "ALREADY_RUNNING"
	ErrCodePersistence    = "PERSISTENCE"
	ErrCodeCancelled      = "CANCELLED"
)

// EngineError is an error with a stable machine-readable code, so callers
// can branch on the failure class without parsing messages.
type EngineError struct {
	Message string
	Code    string
	Err     error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *EngineError) Unwrap() error { return e.Err }

func engineErr(code, format string, args ...any) *EngineError {
	return &EngineError{Message: fmt.Sprintf(format, args...), Code: code}
}

func wrapEngineErr(code string, err error, format string, args ...any) *EngineError {
	return &EngineError{Message: fmt.Sprintf(format, args...), Code: code, Err: err}
}
