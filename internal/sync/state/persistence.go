package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// StatusFileName is the name of the status file inside the data directory
	StatusFileName = "sync-status.json"
)

// Persistence stores a SyncStatus.
type Persistence interface {
	// SaveStatus saves the sync status
	SaveStatus(ctx context.Context, status *SyncStatus) error

	// LoadStatus loads the sync status. Returns an empty SyncStatus if
	// nothing was saved yet.
	LoadStatus(ctx context.Context) (*SyncStatus, error)
}

type filePersistence struct {
	basePath string
}

// NewFilePersistence creates a persistence writing StatusFileName under
// basePath
func NewFilePersistence(basePath string) Persistence {
	return &filePersistence{basePath: basePath}
}

func (f *filePersistence) SaveStatus(_ context.Context, status *SyncStatus) error {
	if err := os.MkdirAll(f.basePath, 0o750); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync status: %w", err)
	}

	filePath := filepath.Join(f.basePath, StatusFileName)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary status file: %w", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file: %w", err)
	}
	return nil
}

func (f *filePersistence) LoadStatus(_ context.Context) (*SyncStatus, error) {
	// #nosec G304 -- path is built from the configured data directory
	data, err := os.ReadFile(filepath.Join(f.basePath, StatusFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &SyncStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status SyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync status: %w", err)
	}
	return &status, nil
}

// memoryPersistence keeps the status in memory only
type memoryPersistence struct{}

// NewMemoryPersistence returns a persistence that forgets everything on exit
func NewMemoryPersistence() Persistence {
	return memoryPersistence{}
}

func (memoryPersistence) SaveStatus(context.Context, *SyncStatus) error {
	return nil
}

func (memoryPersistence) LoadStatus(context.Context) (*SyncStatus, error) {
	return &SyncStatus{}, nil
}
