// Package model contains the entity types tracked by the local store and
// synchronized with the backend.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ModelType names an entity kind on the wire and in the store.
type ModelType string

// Entity kinds
const (
	TypeTimeEntry ModelType = "time_entry"
	TypeWorkspace ModelType = "workspace"
	TypeClient    ModelType = "client"
	TypeProject   ModelType = "project"
	TypeUser      ModelType = "user"
	TypeTask      ModelType = "task"
	TypeTag       ModelType = "tag"
)

// AllTypes lists every entity kind in dependency order. Pushes go in this
// order so that parents get server IDs before children reference them.
var AllTypes = []ModelType{
	TypeUser,
	TypeWorkspace,
	TypeClient,
	TypeProject,
	TypeTask,
	TypeTag,
	TypeTimeEntry,
}

// Valid reports whether t is one of the known entity kinds
func (t ModelType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Resource returns the REST collection path for the kind.
func (t ModelType) Resource() string {
	switch t {
	case TypeTimeEntry:
		return "/api/v9/time_entries"
	case TypeWorkspace:
		return "/api/v9/workspaces"
	case TypeClient:
		return "/api/v9/clients"
	case TypeProject:
		return "/api/v9/projects"
	case TypeUser:
		return "/api/v9/me"
	case TypeTask:
		return "/api/v9/tasks"
	case TypeTag:
		return "/api/v9/tags"
	default:
		return ""
	}
}

// ErrNoIdentity is returned when an entity has neither a GUID nor a server ID.
var ErrNoIdentity = errors.New("entity has neither guid nor server id")

// Base holds the identity and sync metadata common to every entity.
type Base struct {
	ID              uint64     `json:"id,omitempty"`
	GUID            string     `json:"guid,omitempty"`
	At              time.Time  `json:"at,omitzero"`
	ServerDeletedAt *time.Time `json:"server_deleted_at,omitempty"`

	// Local-only bookkeeping, never sent to the backend.
	DirtyAt   time.Time `json:"-"`
	SyncedAt  time.Time `json:"-"`
	DeletedAt time.Time `json:"-"`
}

// Meta returns the base itself so embedding types satisfy Entity.
func (b *Base) Meta() *Base {
	return b
}

// Validate checks the identity invariant
func (b *Base) Validate() error {
	if b.GUID == "" && b.ID == 0 {
		return ErrNoIdentity
	}
	return nil
}

// EnsureGUID assigns a fresh GUID when none is set.
func (b *Base) EnsureGUID() {
	if b.GUID == "" {
		b.GUID = NewGUID()
	}
}

// IsDirty reports whether the entity has local changes not yet acknowledged
// by the backend.
func (b *Base) IsDirty() bool {
	return b.DirtyAt.After(b.SyncedAt)
}

// IsDeleted reports whether the entity carries a local tombstone.
func (b *Base) IsDeleted() bool {
	return !b.DeletedAt.IsZero()
}

// Touch marks the entity as locally modified at now.
func (b *Base) Touch(now time.Time) {
	if !now.After(b.SyncedAt) {
		// keep the dirty invariant even when the clock went backwards
		now = b.SyncedAt.Add(time.Nanosecond)
	}
	b.DirtyAt = now
}

// MarkDeleted records a local tombstone and dirties the entity.
func (b *Base) MarkDeleted(now time.Time) {
	b.DeletedAt = now
	b.Touch(now)
}

// Entity is implemented by every synchronized type.
type Entity interface {
	Kind() ModelType
	Meta() *Base
}

// New returns an empty entity of the given kind
func New(kind ModelType) (Entity, error) {
	switch kind {
	case TypeTimeEntry:
		return &TimeEntry{}, nil
	case TypeWorkspace:
		return &Workspace{}, nil
	case TypeClient:
		return &Client{}, nil
	case TypeProject:
		return &Project{}, nil
	case TypeUser:
		return &User{}, nil
	case TypeTask:
		return &Task{}, nil
	case TypeTag:
		return &Tag{}, nil
	default:
		return nil, fmt.Errorf("unknown model type %q", kind)
	}
}

// NewGUID returns a new random GUID.
func NewGUID() string {
	return uuid.NewString()
}
