package pipeline

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: network faults, timeouts,
// rate limits, malformed model output.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable stage failure.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// PermanentError marks a failure that no amount of retrying will fix, such
// as a source that no longer has the session.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable stage failure.
func Permanent(op string, err error) error {
	return &PermanentError{Op: op, Err: err}
}

// ConfigurationError is an operator problem (model version mismatch, missing
// credentials). It fails fast and is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Reason }

// ConsistencyError reports a disagreement between the document store and the
// vector index for a completed session.
type ConsistencyError struct {
	SessionID    string
	MissingDocs  []string
	MissingIndex []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("session %s: %d chunk(s) missing from document store, %d missing from vector index",
		e.SessionID, len(e.MissingDocs), len(e.MissingIndex))
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsConfiguration reports whether err is an operator configuration problem.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}
