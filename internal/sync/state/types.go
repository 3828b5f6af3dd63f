// Package state records the outcome of synchronization runs so that the CLI
// and the local status API can report them across restarts.
package state

import "time"

// SyncPhase represents the current phase of a synchronization run
type SyncPhase string

const (
	// SyncPhaseSyncing means a sync is in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last sync completed successfully
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means the last sync failed
	SyncPhaseFailed SyncPhase = "Failed"
)

// SyncStatus is the persisted summary of the most recent sync runs.
type SyncStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase,omitempty"`

	// Message provides additional information about the sync status
	Message string `json:"message,omitempty"`

	// Operation is the kind of the last run, e.g. "sync" or "push"
	Operation string `json:"operation,omitempty"`

	// LastAttempt is the timestamp of the last sync attempt
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of failed attempts since the last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last successful sync
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// ChangeCount is the number of local changes produced by the last success
	ChangeCount int `json:"changeCount,omitempty"`
}
