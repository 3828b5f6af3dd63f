package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Tracker keeps the current SyncStatus in memory and writes every transition
// through to its persistence. Persistence failures are logged, not returned.
type Tracker struct {
	persistence Persistence
	clock       clock.PassiveClock

	mu     sync.RWMutex
	status SyncStatus
}

// NewTracker loads the previous status. A run left in the Syncing phase was
// interrupted and is reported as failed.
func NewTracker(ctx context.Context, persistence Persistence, clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	t := &Tracker{persistence: persistence, clock: clk}

	loaded, err := persistence.LoadStatus(ctx)
	if err != nil {
		slog.Warn("Failed to load sync status, starting fresh", "error", err)
		loaded = &SyncStatus{}
	}
	t.status = *loaded

	if t.status.Phase == SyncPhaseSyncing {
		slog.Warn("Previous sync was interrupted", "operation", t.status.Operation)
		t.status.Phase = SyncPhaseFailed
		t.status.Message = "Previous sync was interrupted"
		t.save(ctx)
	}

	if t.status.LastSyncTime != nil {
		slog.Info("Loaded sync status",
			"phase", t.status.Phase,
			"last_sync", t.status.LastSyncTime.Format(time.RFC3339))
	}
	return t
}

// Begin records the start of a run
func (t *Tracker) Begin(ctx context.Context, operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.status.Phase = SyncPhaseSyncing
	t.status.Operation = operation
	t.status.Message = ""
	t.status.LastAttempt = &now
	t.save(ctx)
}

// Complete records a successful run
func (t *Tracker) Complete(ctx context.Context, changes int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.status.Phase = SyncPhaseComplete
	t.status.Message = fmt.Sprintf("%d local changes", changes)
	t.status.AttemptCount = 0
	t.status.LastSyncTime = &now
	t.status.ChangeCount = changes
	t.save(ctx)
}

// Fail records a failed run
func (t *Tracker) Fail(ctx context.Context, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Phase = SyncPhaseFailed
	t.status.Message = err.Error()
	t.status.AttemptCount++
	t.save(ctx)
}

// Status returns a copy of the current status
func (t *Tracker) Status() SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Tracker) save(ctx context.Context) {
	status := t.status
	if err := t.persistence.SaveStatus(ctx, &status); err != nil {
		slog.Warn("Failed to persist sync status", "error", err)
	}
}
