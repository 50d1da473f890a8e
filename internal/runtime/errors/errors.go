package errors

import (
	sterrors "errors"
	"fmt"
)

// Contract errors: a caller bug, returned immediately and never retried.
var (
	ErrHandlerRequired     = sterrors.New("teeflow: handler function is required")
	ErrHandlerNameRequired = sterrors.New("teeflow: handler name is required")
	ErrDecoderRequired     = sterrors.New("teeflow: message decoder is required")
	ErrRegistryRequired    = sterrors.New("teeflow: handler registry is required")
	ErrConsumerRequired    = sterrors.New("teeflow: consumer is required")
	ErrTopicRequired       = sterrors.New("teeflow: topic is required")
	ErrConsumerUnbound     = sterrors.New("teeflow: cannot start unbound topic consumer")
	ErrConsumerRunning     = sterrors.New("teeflow: cannot wrap a running consumer")
	ErrTeeUnbound          = sterrors.New("teeflow: cannot start unbound tee")
	ErrTeeNotStarted       = sterrors.New("teeflow: tee liveness requested before start")
	ErrNoRegistrations     = sterrors.New("teeflow: consumer has no registered topics")
	ErrTeeStopped          = sterrors.New("teeflow: tee stopped while supervised")
)

// Configuration errors: fatal at startup.
var (
	ErrHandlerNotFound = sterrors.New("teeflow: no handler for target")
	ErrNoAdapter       = sterrors.New("teeflow: no dispatcher/consumer for scheme")
	ErrConfigRequired  = sterrors.New("teeflow: configuration is required")
	ErrUnknownCodec    = sterrors.New("teeflow: unknown codec")
	ErrNoDatabase      = sterrors.New("teeflow: no database for scheme")
)

// Transient errors: the operation may succeed later.
var (
	ErrNotRunning = sterrors.New("teeflow: could not publish to non-running publisher")
	ErrClosed     = sterrors.New("teeflow: connection closed")
)

// ErrSnapshotNotFound is returned by store lookups for unknown snapshots.
var ErrSnapshotNotFound = sterrors.New("teeflow: snapshot not found")

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("teeflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsRetryable reports whether err is transient and the operation can be retried.
func IsRetryable(err error) bool {
	return sterrors.Is(err, ErrNotRunning) || sterrors.Is(err, ErrClosed)
}

// UnprocessableError marks input a handler can never process, such as a
// payload missing required fields.
type UnprocessableError struct {
	Err error
}

func (e *UnprocessableError) Error() string {
	return "teeflow: unprocessable message: " + e.Err.Error()
}

func (e *UnprocessableError) Unwrap() error {
	return e.Err
}

// Unprocessable wraps err as an UnprocessableError. nil stays nil.
func Unprocessable(err error) error {
	if err == nil {
		return nil
	}
	return &UnprocessableError{Err: err}
}

// IsUnprocessable reports whether err carries an UnprocessableError.
func IsUnprocessable(err error) bool {
	var target *UnprocessableError
	return sterrors.As(err, &target)
}
