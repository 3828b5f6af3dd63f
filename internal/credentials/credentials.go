// Package credentials stores the backend API token.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// Backend names
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

const (
	keyringService = "chronosync"
	keyringUser    = "api_token"

	// TokenFileName is the token file used by the file backend
	TokenFileName = "api_token"
)

// Store keeps a single API token. Token returns "" when none is stored.
type Store interface {
	Token() (string, error)
	SetToken(token string) error
	Clear() error
}

// New returns the store for backend. dataDir is used by the file backend.
func New(backend, dataDir string) (Store, error) {
	switch backend {
	case "", BackendKeyring:
		return NewKeyring(keyringService), nil
	case BackendFile:
		return NewFile(filepath.Join(dataDir, TokenFileName)), nil
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", backend)
	}
}

// Keyring stores the token in the OS keyring
type Keyring struct {
	service string
}

// NewKeyring creates a keyring store under service
func NewKeyring(service string) *Keyring {
	return &Keyring{service: service}
}

// Token implements Store
func (k *Keyring) Token() (string, error) {
	token, err := keyring.Get(k.service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token from keyring: %w", err)
	}
	return token, nil
}

// SetToken implements Store
func (k *Keyring) SetToken(token string) error {
	if token == "" {
		return k.Clear()
	}
	if err := keyring.Set(k.service, keyringUser, token); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}
	return nil
}

// Clear implements Store
func (k *Keyring) Clear() error {
	err := keyring.Delete(k.service, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete token from keyring: %w", err)
	}
	return nil
}

// File stores the token in a file readable only by the owner
type File struct {
	path string
}

// NewFile creates a file store at path
func NewFile(path string) *File {
	return &File{path: path}
}

// Token implements Store
func (f *File) Token() (string, error) {
	// #nosec G304 -- path comes from the configured data directory
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetToken implements Store
func (f *File) SetToken(token string) error {
	if token == "" {
		return f.Clear()
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Clear implements Store
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// Memory keeps the token in process memory
type Memory struct {
	mu    sync.Mutex
	token string
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{}
}

// Token implements Store
func (m *Memory) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

// SetToken implements Store
func (m *Memory) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

// Clear implements Store
func (m *Memory) Clear() error {
	return m.SetToken("")
}
