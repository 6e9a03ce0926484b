package source

import (
	"errors"
	"fmt"
)

// Common errors returned while fetching pages.
var (
	// ErrRetryExhausted is returned when a bounded retry budget runs out.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrShortPage is returned when a fetched page holds fewer items than a
	// requested position, meaning the source shape changed mid-run.
	ErrShortPage = errors.New("page shorter than requested position")
)

// ErrorClass classifies source failures by how the core recovers from them.
type ErrorClass string

const (
	// ErrorClassTransient covers malformed bodies, reported failures, empty
	// payloads and retryable HTTP statuses. Retried at page granularity.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConnection covers transport failures reaching the source.
	// Propagated to the top-level run.
	ErrorClassConnection ErrorClass = "connection"

	// ErrorClassFatal covers responses retrying cannot fix, such as 404.
	ErrorClassFatal ErrorClass = "fatal"
)

// SourceError is a classified failure fetching one page.
type SourceError struct {
	Page       int
	Class      ErrorClass
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	msg := fmt.Sprintf("source %s error (page %d", e.Class, e.Page)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	msg += "): " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of err, or "" if err carries no SourceError.
func ClassOf(err error) ErrorClass {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Class
	}
	return ""
}

// IsTransient reports whether err should be retried after a delay.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsConnection reports whether err is a transport-level failure.
func IsConnection(err error) bool {
	return ClassOf(err) == ErrorClassConnection
}
