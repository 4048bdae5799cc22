package domain

import (
	"errors"
	"fmt"
)

// Precondition failure codes surfaced by the CDS workflow.
const (
	CodeNotApproved = "NOT_APPROVED"
	CodeRejected    = "REJECTED"
)

// AccessDeniedError reports a MAC, compartment, role, or policy failure. It
// is never auto-retried and never silently recovered; every denial also lands
// in the audit trail with the failing step.
type AccessDeniedError struct {
	Subject  string
	Resource string
	Step     string
}

func (e AccessDeniedError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("access denied for %s (%s)", e.Subject, e.Step)
	}
	return fmt.Sprintf("access denied for %s on %s (%s)", e.Subject, e.Resource, e.Step)
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Store string
	Key   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Store, e.Key)
}

// PreconditionError reports an operation attempted in an invalid state, e.g.
// completing a CDS request before approval.
type PreconditionError struct {
	Code    string
	Message string
}

func (e PreconditionError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ConflictError reports a sync data conflict that requires a resolution
// decision before further writes to the entity proceed.
type ConflictError struct {
	LogicalID string
	Detail    string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.LogicalID, e.Detail)
}

// ResourceExhaustedError reports a capacity limit (cache memory, sync queue).
type ResourceExhaustedError struct {
	Resource string
	Limit    int64
}

func (e ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted (limit %d)", e.Resource, e.Limit)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// TransientError wraps a retryable network or remote failure.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// IsAccessDenied reports whether err is (or wraps) an access denial.
func IsAccessDenied(err error) bool {
	var target AccessDeniedError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is (or wraps) a missing-record error.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// IsConflict reports whether err is (or wraps) a sync conflict.
func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

// IsResourceExhausted reports whether err is (or wraps) a capacity failure.
func IsResourceExhausted(err error) bool {
	var target ResourceExhaustedError
	return errors.As(err, &target)
}

// IsTransient reports whether err is (or wraps) a retryable failure.
func IsTransient(err error) bool {
	var target TransientError
	return errors.As(err, &target)
}

// IsPrecondition reports whether err is a precondition failure with the given
// code; an empty code matches any precondition failure.
func IsPrecondition(err error, code string) bool {
	var target PreconditionError
	if !errors.As(err, &target) {
		return false
	}
	return code == "" || target.Code == code
}
