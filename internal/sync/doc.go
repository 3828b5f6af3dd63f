// Package sync keeps the local store consistent with the backend.
//
// # Core Interface
//
//   - Manager: Push, Pull, Sync and ApplyUpdate, each producing the list of
//     model changes it caused in the local store.
//
// # Dirty-entity contract
//
// An entity is dirty while its DirtyAt is after its SyncedAt. Push sends every
// dirty entity in one batch request; on acknowledgement SyncedAt is set to
// DirtyAt and server IDs are recorded. Tombstoned entities are removed once
// the backend acknowledges the delete, or right away if they never reached
// the backend.
//
// # Merge policy
//
// Pull and realtime updates share one last-writer-wins merge on the server
// modification time (At). Server content replaces local content when it is
// newer, but local bookkeeping (DirtyAt, SyncedAt, DeletedAt) is kept, so an
// unpushed local edit still counts as dirty and its entity is pushed on the
// next round with the server's content. This is a known limitation.
//
// # Serialization
//
// All four operations hold one lock for their whole duration, network calls
// included. The lock is injected so that the client context can share it with
// local mutations and credential changes.
//
// # Coordinator Package
//
// The sync/coordinator subpackage runs periodic incremental syncs in the
// background. The sync/state subpackage records the outcome of each run.
package sync
