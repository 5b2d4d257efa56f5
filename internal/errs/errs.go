// Package errs defines the error taxonomy shared across the signaling core.
// Handlers map these onto websocket acks and HTTP status codes; nothing in
// here is retried automatically except transport-level reconnects.
package errs

import (
	"fmt"
	"time"
)

// ValidationError marks a malformed request payload. The request is rejected
// before it reaches any state-changing code.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for a single offending field.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StateConflictError marks a lifecycle transition that is not valid from the
// participant's current state. State is left untouched.
type StateConflictError struct {
	ParticipantID string
	From          string
	Trigger       string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict: %q not allowed from %s (participant %s)", e.Trigger, e.From, e.ParticipantID)
}

// PermissionDeniedError means local media access was refused by the client.
// Negotiation is aborted and the session unwinds to idle.
type PermissionDeniedError struct {
	ParticipantID string
	Kind          string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("media permission denied by %s (%s)", e.ParticipantID, e.Kind)
}

// TransportError means the signaling channel is unreachable. Calls fail fast
// instead of hanging; committed queue/session operations are not rolled back
// by a transport failure alone.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause == nil {
		return "transport: " + e.Op
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// RateLimitedError carries a retry hint for the client.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// NegotiationTimeoutError is fatal to the session: a pair that fails to reach
// a connected media session within the ceiling is torn down, not retried.
type NegotiationTimeoutError struct {
	RoomID string
}

func (e *NegotiationTimeoutError) Error() string {
	return fmt.Sprintf("media negotiation timed out for room %s", e.RoomID)
}
