/*
errors.go - Centralized error taxonomy for the request engine

PURPOSE:
  All error categories in one place. Every failure the dispatcher can return
  falls into exactly one of five categories; callers branch with errors.Is
  and unwrap the structured types for detail.

ERROR CATEGORIES:
  1. NotAuthorized      - role/project/self-approval violation
  2. InvalidTransition  - action not legal from the current status
  3. ValidationError    - bad input: blank reason, quantity violation,
                          edit outside the permitted field set
  4. NotFound           - request/item reference does not resolve
  5. ConcurrencyConflict - stale version at commit time (retryable)

PROPAGATION POLICY:
  Errors are returned, never used for control flow inside the component
  chain. A failure at any stage aborts the whole action with no partial
  effect. ConcurrencyConflict is the only category callers should retry.

SEE ALSO:
  - dispatch.go: Produces these errors
  - api/handlers.go: Maps categories to HTTP status codes
*/
package demande

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotAuthorized is returned when the actor may not perform the action.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidTransition is returned when the action is not legal from the
	// request's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrValidation is returned for malformed input: blank rejection reasons,
	// quantity invariant violations, edits outside the permitted field set.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a request or item reference does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when the request changed underneath
	// the action. The caller should reload and retry.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DenyReason tags why an authorization check failed. Surfaced messages stay
// least-privilege: they name the rule, not internal state.
type DenyReason string

const (
	DenyWrongRole     DenyReason = "wrong_role"
	DenyNotAssigned   DenyReason = "not_assigned_to_project"
	DenySelfApproval  DenyReason = "self_approval"
	DenyWrongKind     DenyReason = "wrong_request_kind"
	DenyTerminal      DenyReason = "terminal_status"
	DenyUnknownAction DenyReason = "unknown_action"
)

// NotAuthorizedError details an authorization denial.
type NotAuthorizedError struct {
	Reason DenyReason
	Role   Role
	Action Action
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("not authorized: %s (role %s, action %s)", e.Reason, e.Role, e.Action)
}

func (e *NotAuthorizedError) Unwrap() error { return ErrNotAuthorized }

// InvalidTransitionError details an illegal action for the current status.
type InvalidTransitionError struct {
	Type   RequestType
	Status Status
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: action %s not legal from status %s (%s flow)",
		e.Action, e.Status, e.Type)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing reference.
type NotFoundError struct {
	Kind string // "request", "item"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotAuthorized)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
