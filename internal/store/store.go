// Package store is the local authoritative store of synchronized entities.
// Every mutation reports the resulting model changes so callers can forward
// them to the host.
package store

import (
	"context"
	"errors"

	"github.com/chronodesk/chronosync/internal/model"
)

// ErrNotFound is returned when no entity matches a lookup
var ErrNotFound = errors.New("entity not found")

// Store persists entities and the session.
type Store interface {
	// Find looks an entity up by GUID, then by server ID.
	Find(ctx context.Context, kind model.ModelType, guid string, id uint64) (model.Entity, error)

	// List returns every entity of the given kind, tombstones included.
	List(ctx context.Context, kind model.ModelType) ([]model.Entity, error)

	// Dirty returns entities with local changes not yet acknowledged by the
	// backend, parents before children.
	Dirty(ctx context.Context) ([]model.Entity, error)

	// Save inserts or updates entities. Rows that did not change produce no
	// change record; a tombstone recorded for the first time produces a
	// delete change.
	Save(ctx context.Context, entities ...model.Entity) ([]model.ModelChange, error)

	// Remove deletes entities. A delete change is produced only for rows
	// whose deletion was not already announced.
	Remove(ctx context.Context, entities ...model.Entity) ([]model.ModelChange, error)

	// Session returns the persisted session, zero when logged out.
	Session(ctx context.Context) (model.Session, error)

	// SaveSession persists the session.
	SaveSession(ctx context.Context, session model.Session) error

	// ClearSession forgets the session and every stored entity.
	ClearSession(ctx context.Context) error

	Close() error
}
