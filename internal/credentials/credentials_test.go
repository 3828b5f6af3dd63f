package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func exercise(t *testing.T, s Store) {
	t.Helper()

	token, err := s.Token()
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, s.SetToken("tok-1"))
	token, err = s.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	require.NoError(t, s.SetToken("tok-2"))
	token, err = s.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)

	require.NoError(t, s.Clear())
	token, err = s.Token()
	require.NoError(t, err)
	assert.Empty(t, token)

	// clearing an empty store is fine
	require.NoError(t, s.Clear())
}

func TestMemory(t *testing.T) {
	t.Parallel()
	exercise(t, NewMemory())
}

func TestFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", TokenFileName)
	s := NewFile(path)
	exercise(t, s)

	require.NoError(t, s.SetToken("secret"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, s.SetToken(""))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "an empty token removes the file")
}

// keyring.MockInit swaps a process-wide provider, so this test is not parallel.
func TestKeyring(t *testing.T) {
	keyring.MockInit()
	exercise(t, NewKeyring("chronosync-test"))
}

func TestNew(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := New(BackendFile, dir)
	require.NoError(t, err)
	assert.IsType(t, &File{}, s)

	s, err = New(BackendMemory, dir)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = New("", dir)
	require.NoError(t, err)
	assert.IsType(t, &Keyring{}, s)

	_, err = New("vault", dir)
	assert.Error(t, err)
}
