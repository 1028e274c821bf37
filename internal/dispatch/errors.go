package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNilRequests is returned when the request collection itself is nil
	ErrNilRequests = errors.New("request collection is nil")

	// ErrInvalidBatchSize is returned when a batch size is not positive
	ErrInvalidBatchSize = errors.New("batch size must be positive")

	// ErrNotAttempted marks composite items skipped after an earlier item failed
	ErrNotAttempted = errors.New("not attempted: composite stopped at an earlier fault")

	// ErrMissingBatch marks items whose composite outcome is absent from the report
	ErrMissingBatch = errors.New("composite outcome missing")

	// ErrReference wraps failures of the reference selector
	ErrReference = errors.New("reference selector failed")
)

// CompositeError is attached to every item of a composite call that failed as a whole
type CompositeError struct {
	Batch int
	Err   error
}

// Error implements the error interface
func (e *CompositeError) Error() string {
	return fmt.Sprintf("batch %d failed: %v", e.Batch, e.Err)
}

// Unwrap returns the composite-level cause
func (e *CompositeError) Unwrap() error {
	return e.Err
}

// PanicError carries a panic recovered from a backend call
type PanicError struct {
	Value any
}

// Error implements the error interface
func (e *PanicError) Error() string {
	return fmt.Sprintf("backend panic: %v", e.Value)
}

// errorMessage returns err's text, or "" for nil
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
