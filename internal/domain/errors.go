package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, one per error kind. Structured errors below unwrap to
// these so callers can match with errors.Is.
var (
	// ErrValidation marks bad input such as an exceeded job limit or a
	// malformed schedule.
	ErrValidation = errors.New("validation error")

	// ErrPolicyViolation marks an operation refused by scheduling policy,
	// e.g. cancelling a required break without a supervisor override.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrConflictUnresolved marks a sync conflict between writers of equal
	// authority that no merge rule covers.
	ErrConflictUnresolved = errors.New("conflict unresolved")

	// ErrSyncTimeout marks a push that exceeded its deadline. It is retried.
	ErrSyncTimeout = errors.New("sync timeout")

	// ErrStorageBudgetExceeded is a non-fatal warning from the local cache.
	ErrStorageBudgetExceeded = errors.New("storage budget exceeded")

	// ErrEncryption marks a record that could not be sealed or opened.
	ErrEncryption = errors.New("encryption error")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
)

// Validation codes.
const (
	CodeJobLimitExceeded  = "job_limit_exceeded"
	CodeMalformedSchedule = "malformed_schedule"
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidMetadata   = "invalid_metadata"
	CodeMissingField      = "missing_field"
	CodeBreakInProgress   = "break_in_progress"
	CodePlanClosed        = "plan_closed"
	CodeDuplicatePlan     = "duplicate_plan"
)

// Policy codes.
const (
	PolicyRequiredBreakOverride = "required_break_override"
	PolicyKitOverrideRequired   = "kit_override_required"
)

// ValidationError describes rejected input.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError.
func NewValidationError(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// PolicyViolationError describes an operation refused by policy.
type PolicyViolationError struct {
	Code    string
	EventID string
	Message string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s: %s (event %s)", e.Code, e.Message, e.EventID)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// ConflictUnresolvedError is raised for manual review.
type ConflictUnresolvedError struct {
	EntityID   string
	Fields     []string
	LocalRole  Role
	RemoteRole Role
}

func (e *ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("conflict unresolved on %s: fields [%s] edited by %s and %s",
		e.EntityID, strings.Join(e.Fields, ", "), e.LocalRole, e.RemoteRole)
}

func (e *ConflictUnresolvedError) Unwrap() error { return ErrConflictUnresolved }

// SyncTimeoutError records a push that timed out.
type SyncTimeoutError struct {
	OperationID string
	Attempt     int
	Err         error
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("sync timeout: operation %s attempt %d: %v", e.OperationID, e.Attempt, e.Err)
}

func (e *SyncTimeoutError) Unwrap() []error { return []error{ErrSyncTimeout, e.Err} }

// StorageBudgetExceededError is the warning surfaced when eviction cannot
// bring the cache back under its budget.
type StorageBudgetExceededError struct {
	UsedBytes   int64
	BudgetBytes int64
	Percent     float64
}

func (e *StorageBudgetExceededError) Error() string {
	return fmt.Sprintf("storage budget exceeded: %d of %d bytes (%.1f%%)", e.UsedBytes, e.BudgetBytes, e.Percent)
}

func (e *StorageBudgetExceededError) Unwrap() error { return ErrStorageBudgetExceeded }

// EncryptionError is fatal for the affected record only.
type EncryptionError struct {
	EntityID string
	Op       string
	Err      error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption error: %s %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *EncryptionError) Unwrap() []error { return []error{ErrEncryption, e.Err} }
