// Package remote holds backing-store adapters the sync queue pushes to.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/syncq"
	"github.com/google/uuid"
)

// ErrUnreachable is returned while the store is marked unreachable.
var ErrUnreachable = errors.New("backing store unreachable")

// Hook runs before every Apply. A non-nil error is returned to the caller
// instead of applying the operation.
type Hook func(ctx context.Context, op domain.SyncOperation) error

type entry struct {
	payload json.RawMessage
	version int64
	role    domain.Role
	actorID string
}

// Memory is an in-process backing store. It is used by tests and by the
// CLI when no database is configured.
type Memory struct {
	mu      sync.Mutex
	records map[string]*entry
	applied map[string]syncq.ApplyResult
	hook    Hook
	calls   int

	unreachable bool
}

var _ syncq.Remote = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records: map[string]*entry{},
		applied: map[string]syncq.ApplyResult{},
	}
}

// Ping fails while SetReachable(false) is in effect.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable {
		return ErrUnreachable
	}
	return nil
}

func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = !ok
}

// SetHook installs a hook, or removes it when h is nil.
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Calls returns how many times Apply was invoked.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) Apply(ctx context.Context, op domain.SyncOperation) (*syncq.ApplyResult, error) {
	m.mu.Lock()
	m.calls++
	hook, unreachable := m.hook, m.unreachable
	m.mu.Unlock()

	if unreachable {
		return nil, ErrUnreachable
	}

	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.applied[op.ID]; ok {
		prev.Duplicate = true
		return &prev, nil
	}

	var res syncq.ApplyResult
	switch op.Kind {
	case domain.OpCreate:
		id := op.EntityID
		if domain.IsProvisionalID(id) {
			id = uuid.New().String()
		}
		payload, err := domain.RewriteIDs(op.Payload, id, "")
		if err != nil {
			return nil, domain.NewValidationError("bad_payload", "payload", "%v", err)
		}
		if _, exists := m.records[key(op.EntityKind, id)]; exists {
			return nil, domain.NewValidationError("duplicate_id", "id", "%s %s already exists", op.EntityKind, id)
		}
		m.records[key(op.EntityKind, id)] = &entry{payload: payload, version: 1, role: op.ActorRole, actorID: op.ActorID}
		res = syncq.ApplyResult{CanonicalID: id, Version: 1}

	case domain.OpUpdate, domain.OpDelete:
		cur, ok := m.records[key(op.EntityKind, op.EntityID)]
		if !ok {
			if op.Kind == domain.OpDelete {
				res = syncq.ApplyResult{CanonicalID: op.EntityID}
				break
			}
			return nil, domain.NewValidationError("not_found", "id", "%s %s does not exist", op.EntityKind, op.EntityID)
		}
		if op.BaseVersion != cur.version {
			return nil, &syncq.VersionConflictError{
				EntityID:       op.EntityID,
				BaseVersion:    op.BaseVersion,
				CurrentVersion: cur.version,
				Current:        append(json.RawMessage(nil), cur.payload...),
				CurrentRole:    cur.role,
				CurrentActorID: cur.actorID,
			}
		}
		if op.Kind == domain.OpDelete {
			delete(m.records, key(op.EntityKind, op.EntityID))
			res = syncq.ApplyResult{CanonicalID: op.EntityID, Version: cur.version}
			break
		}
		cur.payload = append(json.RawMessage(nil), op.Payload...)
		cur.version++
		cur.role = op.ActorRole
		cur.actorID = op.ActorID
		res = syncq.ApplyResult{CanonicalID: op.EntityID, Version: cur.version}

	default:
		return nil, domain.NewValidationError("bad_op", "kind", "unknown operation kind %q", op.Kind)
	}

	m.applied[op.ID] = res
	return &res, nil
}

// Get returns the stored snapshot and version of an entity.
func (m *Memory) Get(kind domain.EntityKind, id string) (json.RawMessage, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[key(kind, id)]
	if !ok {
		return nil, 0, false
	}
	return append(json.RawMessage(nil), e.payload...), e.version, true
}

// Edit overwrites an entity as another writer would, bumping its version.
func (m *Memory) Edit(kind domain.EntityKind, id string, payload json.RawMessage, role domain.Role, actorID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[key(kind, id)]
	if !ok {
		e = &entry{}
		m.records[key(kind, id)] = e
	}
	e.payload = append(json.RawMessage(nil), payload...)
	e.version++
	e.role = role
	e.actorID = actorID
	return e.version
}

func key(kind domain.EntityKind, id string) string {
	return string(kind) + "/" + id
}
