package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired         = sterrors.New("activitypipe: configuration is required")
	ErrSourceRequired         = sterrors.New("activitypipe: event source is required")
	ErrLoggerRequired         = sterrors.New("activitypipe: logger is required")
	ErrLoggerClosed           = sterrors.New("activitypipe: activity logger is closed")
	ErrMalformedEvent         = sterrors.New("activitypipe: malformed activity event")
	ErrInvalidEnum            = sterrors.New("activitypipe: invalid enumeration value")
	ErrPipelineAlreadyStarted = sterrors.New("activitypipe: pipeline already started")
	ErrPipelineNotStarted     = sterrors.New("activitypipe: pipeline not started")
	ErrSessionClosed          = sterrors.New("activitypipe: session is closed")
	ErrPublisherRequired      = sterrors.New("activitypipe: publisher is required")
	ErrTopicRequired          = sterrors.New("activitypipe: topic is required")
)

// ConfigValidationError is returned when a pipeline is built from an invalid
// configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "activitypipe: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// StartError reports that the event session could not be started. No
// lifecycle notification has been delivered when it is returned.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return "activitypipe: failed to start event session: " + e.Err.Error()
}

func (e *StartError) Unwrap() error { return e.Err }

// MalformedEventError describes why a single raw event was rejected. It
// always matches ErrMalformedEvent.
type MalformedEventError struct {
	Field string
	Err   error
}

// Malformed builds a MalformedEventError for field.
func Malformed(field string, err error) error {
	return &MalformedEventError{Field: field, Err: err}
}

func (e *MalformedEventError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrMalformedEvent.Error(), e.Field)
	}
	return fmt.Sprintf("%s: %s: %v", ErrMalformedEvent.Error(), e.Field, e.Err)
}

func (e *MalformedEventError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedEvent}
	}
	return []error{ErrMalformedEvent, e.Err}
}
