package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrJobTerminal        = errors.New("job already in a terminal status")
	ErrThemeNotFound      = errors.New("theme not found")
	ErrLocationNotFound   = errors.New("location not found")
	ErrQueueFull          = errors.New("task queue full")
	ErrInvalidExecContext = errors.New("invalid sql execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)

// ErrorKind is the machine-readable classification recorded on a failed Job.
// Callers use it to decide whether offering a retry makes sense.
type ErrorKind string

const (
	ErrKindValidation  ErrorKind = "validation"
	ErrKindGeocoding   ErrorKind = "geocoding"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindDataFetch   ErrorKind = "data_fetch"
	ErrKindRender      ErrorKind = "render"
	ErrKindTransport   ErrorKind = "transport"
	ErrKindCancelled   ErrorKind = "cancelled"
)

// RetryAllowed reports whether a job that failed with this kind may be
// resubmitted. Validation and geocoding failures would fail again with the
// same input; a cancellation is not a failure at all.
func (k ErrorKind) RetryAllowed() bool {
	switch k {
	case ErrKindDataFetch, ErrKindRender, ErrKindTransport:
		return true
	}
	return false
}

// Transient reports whether the kind is eligible for bounded automatic
// retry with backoff inside the pipeline (network-classified only).
func (k ErrorKind) Transient() bool {
	return k == ErrKindTransport
}

// RateLimitError carries the delay after which the caller may try again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("geocoding rate limit exceeded, retry after %s", e.RetryAfter)
}

// ClassifiedError pairs an error with its job-level classification so the
// pipeline records a kind instead of leaking raw errors to callers.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with kind, preserving an existing classification.
func Classify(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the classification from err, defaulting to render when
// the error escaped the pipeline unclassified.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return ErrKindRateLimited
	}
	if errors.Is(err, ErrLocationNotFound) {
		return ErrKindGeocoding
	}
	return ErrKindRender
}
