package model

import (
	"errors"
	"fmt"
)

var (
	// ErrStale marks a response that arrived for inputs that are no longer current.
	ErrStale = errors.New("result superseded by newer input")
	// ErrNotPreviewed is returned when execution is requested without a current preview.
	ErrNotPreviewed = errors.New("no current preview to execute")
	// ErrDeclined is returned when the user answers no at the confirmation gate.
	ErrDeclined = errors.New("execution not confirmed")
	// ErrLoopStopped is returned when work is posted to an event loop that is no longer running.
	ErrLoopStopped = errors.New("event loop stopped")
)

// ValidationError is a local input problem. It never reaches the network.
type ValidationError struct {
	Field     string
	AccountID AccountID
	Reason    string
	// Err is an optional sentinel classifying the failure.
	Err error
}

func (e *ValidationError) Error() string {
	if e.AccountID != 0 {
		return fmt.Sprintf("invalid %s: account %d %s", e.Field, e.AccountID, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransportError is a connectivity or upstream failure for one request.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTransport reports whether err is or wraps a TransportError.
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}
