package voxpipe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("voxpipe: no store configured")
	ErrStoreClosed = errors.New("voxpipe: store closed")

	// Not found errors.
	ErrBatchNotFound    = errors.New("voxpipe: batch not found")
	ErrTaskNotFound     = errors.New("voxpipe: task not found")
	ErrEnvelopeNotFound = errors.New("voxpipe: envelope not found")
	ErrDLQNotFound      = errors.New("voxpipe: dlq entry not found")

	// Conflict errors.
	ErrBatchAlreadyExists = errors.New("voxpipe: batch already exists")

	// State errors. ErrInvalidTransition signals an attempt to move a
	// task out of a terminal state — an ordering defect, never fatal.
	ErrInvalidTransition  = errors.New("voxpipe: invalid state transition")
	ErrMaxAttemptsReached = errors.New("voxpipe: max attempts reached")

	// Model errors. ErrModelUnavailable means the selected model is not
	// implemented or unreachable; the router degrades per policy.
	ErrModelUnavailable = errors.New("voxpipe: model unavailable")

	// ErrNoPipeline means no processing pipeline is registered for a
	// batch's job type.
	ErrNoPipeline = errors.New("voxpipe: no pipeline registered for job type")
)

// ValidationError rejects a malformed batch request before any batch or
// task is created. It carries one reason per offending item/field.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "voxpipe: invalid batch request: " + strings.Join(e.Reasons, "; ")
}

// Addf appends a formatted reason.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Reasons = append(e.Reasons, fmt.Sprintf(format, args...))
}

// Err returns the error if any reasons were collected, nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Reasons) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
