package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestFilePersistence_SaveAndLoad(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	persistence := NewFilePersistence(tmpDir)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	saved := &SyncStatus{
		Phase:        SyncPhaseComplete,
		Message:      "3 local changes",
		Operation:    "sync",
		LastAttempt:  &now,
		LastSyncTime: &now,
		ChangeCount:  3,
	}

	ctx := context.Background()
	require.NoError(t, persistence.SaveStatus(ctx, saved))

	_, err := os.Stat(filepath.Join(tmpDir, StatusFileName))
	require.NoError(t, err)

	loaded, err := persistence.LoadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved.Phase, loaded.Phase)
	assert.Equal(t, saved.Message, loaded.Message)
	assert.Equal(t, saved.ChangeCount, loaded.ChangeCount)
	assert.True(t, now.Equal(*loaded.LastSyncTime))
}

func TestFilePersistence_LoadMissing(t *testing.T) {
	t.Parallel()

	loaded, err := NewFilePersistence(t.TempDir()).LoadStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SyncStatus{}, loaded)
}

func TestFilePersistence_LoadCorrupt(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, StatusFileName), []byte("{"), 0o600))

	_, err := NewFilePersistence(tmpDir).LoadStatus(context.Background())
	assert.Error(t, err)
}

func TestTracker_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	persistence := NewFilePersistence(t.TempDir())
	tracker := NewTracker(ctx, persistence, clk)

	assert.Equal(t, SyncStatus{}, tracker.Status())

	tracker.Begin(ctx, "sync")
	assert.Equal(t, SyncPhaseSyncing, tracker.Status().Phase)

	tracker.Fail(ctx, errors.New("backend-down: backend is down, will retry later"))
	tracker.Begin(ctx, "sync")
	tracker.Fail(ctx, errors.New("still down"))
	status := tracker.Status()
	assert.Equal(t, SyncPhaseFailed, status.Phase)
	assert.Equal(t, "still down", status.Message)
	assert.Equal(t, 2, status.AttemptCount)
	assert.Nil(t, status.LastSyncTime)

	clk.SetTime(clk.Now().Add(time.Minute))
	tracker.Begin(ctx, "push")
	tracker.Complete(ctx, 4)
	status = tracker.Status()
	assert.Equal(t, SyncPhaseComplete, status.Phase)
	assert.Equal(t, "push", status.Operation)
	assert.Zero(t, status.AttemptCount)
	assert.Equal(t, 4, status.ChangeCount)
	require.NotNil(t, status.LastSyncTime)
	assert.Equal(t, clk.Now(), *status.LastSyncTime)

	loaded, err := persistence.LoadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncPhaseComplete, loaded.Phase)
}

func TestTracker_InterruptedRunIsFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	persistence := NewFilePersistence(t.TempDir())
	require.NoError(t, persistence.SaveStatus(ctx, &SyncStatus{Phase: SyncPhaseSyncing, Operation: "sync"}))

	tracker := NewTracker(ctx, persistence, nil)
	assert.Equal(t, SyncPhaseFailed, tracker.Status().Phase)
	assert.Equal(t, "Previous sync was interrupted", tracker.Status().Message)

	loaded, err := persistence.LoadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncPhaseFailed, loaded.Phase)
}

func TestMemoryPersistence(t *testing.T) {
	t.Parallel()

	p := NewMemoryPersistence()
	require.NoError(t, p.SaveStatus(context.Background(), &SyncStatus{Phase: SyncPhaseComplete}))
	loaded, err := p.LoadStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SyncStatus{}, loaded)
}
