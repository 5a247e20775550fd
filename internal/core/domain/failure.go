package domain

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
)

var (
	// ErrManualRetryRequired is returned while every tracked operation is exhausted.
	ErrManualRetryRequired = errors.New("manual retry required")

	// ErrRetriesExhausted is wrapped by failures that used every retry attempt.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrSimilarOperationPending is returned when an equivalent operation is queued.
	ErrSimilarOperationPending = errors.New("similar operation already pending")

	// ErrQueueFull is returned when the operation queue is at capacity.
	ErrQueueFull = errors.New("operation queue is full")

	// ErrConnectionNotFound is returned for unknown connection ids.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrSessionNotResumed is returned when the server refuses to resume a session.
	ErrSessionNotResumed = errors.New("session not resumed")
)

// FailureKind is the semantic category of a network failure.
type FailureKind string

const (
	FailureInvalidRequest                FailureKind = "invalid_request"
	FailureDataCenterShutdown            FailureKind = "data_center_shutdown"
	FailureProtocolStateMismatch         FailureKind = "protocol_state_mismatch"
	FailureCriticalAuthenticationFailure FailureKind = "critical_authentication_failure"
	FailureOperationCancelled            FailureKind = "operation_cancelled"
	FailureDataCenterNotResponding       FailureKind = "data_center_not_responding"
)

// UserError is the structured, user-facing part of a failure reported by the server.
type UserError struct {
	Code          string
	I18nKey       string
	Retryable     *bool
	RetryAfter    time.Duration
	CorrelationID string
	Locale        string
	Status        codes.Code
}

// NetworkFailure is the single failure type crossing the transport boundary.
type NetworkFailure struct {
	Kind      FailureKind
	Message   string
	UserError *UserError
	Err       error
}

func (f *NetworkFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *NetworkFailure) Unwrap() error {
	return f.Err
}

// Status returns the transport status code, codes.Unknown when none was reported.
func (f *NetworkFailure) Status() codes.Code {
	if f.UserError == nil {
		return codes.Unknown
	}
	return f.UserError.Status
}

// NewFailure builds a failure of the given kind.
func NewFailure(kind FailureKind, message string) *NetworkFailure {
	return &NetworkFailure{Kind: kind, Message: message}
}

// WrapFailure builds a failure of the given kind around a cause.
func WrapFailure(kind FailureKind, message string, err error) *NetworkFailure {
	return &NetworkFailure{Kind: kind, Message: message, Err: err}
}

// InvalidRequest reports a caller error.
func InvalidRequest(message string) *NetworkFailure {
	return NewFailure(FailureInvalidRequest, message)
}

// Cancelled reports an operation stopped by its context.
func Cancelled(err error) *NetworkFailure {
	return WrapFailure(FailureOperationCancelled, "operation cancelled", err)
}

// NotResponding reports the default transient failure.
func NotResponding(message string, err error) *NetworkFailure {
	return WrapFailure(FailureDataCenterNotResponding, message, err)
}

// AsFailure extracts a NetworkFailure from err. Errors that are not failures
// are folded into the data-center-not-responding bucket.
func AsFailure(err error) *NetworkFailure {
	if err == nil {
		return nil
	}
	var f *NetworkFailure
	if errors.As(err, &f) {
		return f
	}
	return NotResponding(err.Error(), err)
}
