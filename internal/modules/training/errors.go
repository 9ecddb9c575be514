package training

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by Start when no validated dataset is present.
	ErrNotReady = errors.New("dataset not ready")
	// ErrAlreadyRunning is returned by Start while a job is starting or running.
	ErrAlreadyRunning = errors.New("training already running")
)

// ValidationError reports an out-of-range or non-numeric training parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
