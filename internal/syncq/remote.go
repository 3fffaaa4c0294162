package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexanderramin/dayplan/internal/domain"
)

var (
	// ErrSyncInProgress is returned when a flush is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is returned when Sync is called while the device is offline.
	ErrOffline = errors.New("device is offline")
)

// Remote is the backing store as seen by the queue. Apply must be
// idempotent by operation id: replaying an id that was already applied
// returns the original result with Duplicate set.
type Remote interface {
	Apply(ctx context.Context, op domain.SyncOperation) (*ApplyResult, error)
}

// ApplyResult is the backing store's answer to an applied operation.
type ApplyResult struct {
	// CanonicalID is the id the backing store assigned. It differs from the
	// operation's entity id only for creates of provisional entities.
	CanonicalID string
	Version     int64
	Duplicate   bool
}

// VersionConflictError reports that the entity moved past the operation's
// base version. It carries the backing store's current copy.
type VersionConflictError struct {
	EntityID       string
	BaseVersion    int64
	CurrentVersion int64
	Current        json.RawMessage
	CurrentRole    domain.Role
	CurrentActorID string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: base %d, current %d", e.EntityID, e.BaseVersion, e.CurrentVersion)
}

// LocalStore is the part of the device cache the queue writes back to.
type LocalStore interface {
	RemapID(ctx context.Context, kind domain.EntityKind, provisionalID, canonicalID string) error
	SetVersion(ctx context.Context, kind domain.EntityKind, id string, version int64) error
	ApplySnapshot(ctx context.Context, kind domain.EntityKind, payload json.RawMessage) error
}

// Sealer encrypts queued payloads at rest.
type Sealer interface {
	Seal(kind, id string, plaintext []byte) ([]byte, error)
	Open(kind, id string, sealed []byte) ([]byte, error)
	KeyID() string
}
