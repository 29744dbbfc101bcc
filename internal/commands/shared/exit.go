// Package shared holds helpers common to the wonder CLI commands.
package shared

import "fmt"

// Process exit codes. The run command maps terminal run status onto these
// so scripts can branch on the outcome.
const (
	ExitCompleted = 0
	ExitFailed    = 1
	ExitCancelled = 2
	ExitUsage     = 3
)

// ExitError carries an explicit process exit code up to main.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Failf returns an ExitError with a formatted message.
func Failf(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}
