package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectFailed is returned when the initial broker handshake fails. It is never retried by the core.
	ErrConnectFailed = errors.New("smf: connect failed")

	// ErrValidation marks bad configuration or message shape.
	ErrValidation = errors.New("smf: validation failed")

	// ErrNotSettleable is returned by ack/nack on a message without a live settlement handle.
	ErrNotSettleable = errors.New("smf: message is not settleable")

	// ErrNotTransactional is returned by commit/rollback on a non-transacted session.
	ErrNotTransactional = errors.New("smf: session is not transacted")

	// ErrClosed is returned for operations attempted after or during close.
	ErrClosed = errors.New("smf: closed")

	// ErrPublishFailed marks an asynchronous producer-side failure reported by the broker.
	ErrPublishFailed = errors.New("smf: publish failed")

	// ErrMissingField is returned when a destination map carries neither a queue nor a topic name.
	ErrMissingField = &ValidationError{Field: "queueName|topicName", Reason: "exactly one of queueName or topicName is required"}
)

// ValidationError describes a configuration or message field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("smf: invalid %s: %s", e.Field, e.Reason)
}

// Is reports every ValidationError as ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// PublishError carries the broker's negative publish outcome for one correlation key.
type PublishError struct {
	CorrelationKey string
	Cause          error
	Timestamp      time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("smf: publish failed for correlation key %s: %v", e.CorrelationKey, e.Cause)
}

func (e *PublishError) Unwrap() error {
	return e.Cause
}

// Is reports every PublishError as ErrPublishFailed.
func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailed
}
