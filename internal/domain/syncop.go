package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type SyncOpState string

const (
	// SyncOpPending operations are flushed on the next pass.
	SyncOpPending SyncOpState = "pending"
	// SyncOpFailed operations exhausted their retries or were rejected and
	// stay queued until requeued.
	SyncOpFailed SyncOpState = "failed"
	// SyncOpReview operations hit an unresolved conflict and wait for
	// manual resolution.
	SyncOpReview SyncOpState = "review"
)

// SyncOperation is one local mutation waiting to reach the backing store.
type SyncOperation struct {
	ID         string
	Seq        int64
	EntityKind EntityKind
	EntityID   string
	// ParentID is the owning day plan for event operations.
	ParentID    string
	Kind        OpKind
	Payload     json.RawMessage
	BaseVersion int64
	TenantID    string
	ActorID     string
	ActorRole   Role
	EnqueuedAt  time.Time

	State         SyncOpState
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
}

// Conflict reason codes.
const (
	ReasonRolePriority = "role_priority"
	ReasonTextMerged   = "text_merged"
	ReasonIdentical    = "identical"
)

// ConflictResolution is the audit record of one resolved conflict.
type ConflictResolution struct {
	EntityID     string
	OperationID  string
	WinningRole  Role
	ReasonCode   string
	MergedFields []string
	ResolvedAt   time.Time
}

// ComplianceReport is computed from persisted event timestamps only.
type ComplianceReport struct {
	Compliant       bool
	TotalWorkHours  float64
	BreaksTaken     int
	BreakMinutes    int
	LastBreakAt     *time.Time
	HoursSinceBreak float64
}

// ProvisionalPrefix marks ids generated on the device before the backing
// store has assigned a canonical one.
const ProvisionalPrefix = "local-"

func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
