package rls

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below wrap them so callers can use errors.Is.
var (
	// ErrConditionCompilation marks a single condition that could not be bound.
	// The enclosing group treats it as an always-false leaf.
	ErrConditionCompilation = errors.New("rls: condition compilation failed")

	// ErrMissingAttribute marks a dynamic condition whose attribute is absent
	// from the security context.
	ErrMissingAttribute = errors.New("rls: missing attribute")

	// ErrEmitter is fatal for a whole evaluation: no safe filter can be proven.
	ErrEmitter = errors.New("rls: filter emission failed")

	// ErrStoreUnavailable is returned when the policy or role store cannot be
	// reached within the configured timeout.
	ErrStoreUnavailable = errors.New("rls: store unavailable")

	ErrInvalidPolicy  = errors.New("rls: invalid policy")
	ErrPolicyNotFound = errors.New("rls: policy not found")
	ErrRoleNotFound   = errors.New("rls: role not found")
	ErrInvalidRequest = errors.New("rls: invalid request")
)

// FailureReason is the machine-readable cause attached to a failed condition.
type FailureReason string

const (
	FailureMissingAttribute      FailureReason = "missing_attribute"
	FailureArityMismatch         FailureReason = "arity_mismatch"
	FailureInvalidOperator       FailureReason = "invalid_operator"
	FailureInvalidValue          FailureReason = "invalid_value"
	FailureMalformedExpression   FailureReason = "malformed_expression"
	FailureUnsupportedFilterType FailureReason = "unsupported_filter_type"
)

// ConditionFailure records a fail-closed substitution for audit.
type ConditionFailure struct {
	PolicyID    string        `json:"policy_id,omitempty"`
	ConditionID string        `json:"condition_id"`
	Column      string        `json:"column,omitempty"`
	Reason      FailureReason `json:"reason"`
	Detail      string        `json:"detail,omitempty"`
}

// ConditionError is scoped to one condition.
type ConditionError struct {
	ConditionID string
	Reason      FailureReason
	Detail      string
}

func (e *ConditionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("condition %s: %s", e.ConditionID, e.Reason)
	}
	return fmt.Sprintf("condition %s: %s: %s", e.ConditionID, e.Reason, e.Detail)
}

func (e *ConditionError) Unwrap() error {
	if e.Reason == FailureMissingAttribute {
		return ErrMissingAttribute
	}
	return ErrConditionCompilation
}

// Failure converts the error into an audit record.
func (e *ConditionError) Failure() ConditionFailure {
	return ConditionFailure{ConditionID: e.ConditionID, Reason: e.Reason, Detail: e.Detail}
}

func conditionErr(c *RLSCondition, reason FailureReason, format string, args ...any) *ConditionError {
	return &ConditionError{ConditionID: c.ID, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// EmitterError means a dialect could not render a predicate safely.
type EmitterError struct {
	Dialect Dialect
	Reason  string
}

func (e *EmitterError) Error() string {
	if e.Dialect == "" {
		return "emit: " + e.Reason
	}
	return fmt.Sprintf("emit %s: %s", e.Dialect, e.Reason)
}

func (e *EmitterError) Unwrap() error { return ErrEmitter }

// StoreError wraps a failed or timed-out repository call.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// ValidationError is raised at policy-write time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPolicy }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func invalidRequest(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, reason)
}

// IsStoreUnavailable reports whether err is or wraps ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// IsEmitterErr reports whether err is or wraps ErrEmitter.
func IsEmitterErr(err error) bool { return errors.Is(err, ErrEmitter) }
