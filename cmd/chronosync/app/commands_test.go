package app

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientapp "github.com/chronodesk/chronosync/internal/app"
	"github.com/chronodesk/chronosync/internal/sync/state"
	"github.com/chronodesk/chronosync/internal/versions"
)

func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("debug"))

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"version", "login", "logout", "sync", "push", "status", "start", "stop", "watch"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestReadPassword(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "secret", want: "secret"},
		{name: "trailing newline", input: "secret\n", want: "secret"},
		{name: "windows newline", input: "secret\r\n", want: "secret"},
		{name: "only first line", input: "secret\nignored\n", want: "secret"},
		{name: "inner spaces kept", input: " s e c \n", want: " s e c "},
		{name: "empty", input: "", wantErr: true},
		{name: "blank line", input: "\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := readPassword(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintVersion(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, printVersion(&out, "json"))

	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, versions.GetVersionInfo(), info)

	out.Reset()
	require.NoError(t, printVersion(&out, ""))
	assert.True(t, strings.HasPrefix(out.String(), "chronosync "))
}

func TestPrintStatus(t *testing.T) {
	t.Parallel()

	synced := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	require.NoError(t, printStatus(&out, &clientapp.Status{
		Backend:      "down",
		BackendError: "backend is down",
		LoggedIn:     true,
		Pushable:     3,
		Sync: state.SyncStatus{
			Phase:        state.SyncPhaseFailed,
			Operation:    "push",
			Message:      "connection refused",
			LastSyncTime: &synced,
		},
	}))

	rendered := out.String()
	for _, want := range []string{"Logged in", "true", "down", "3", "push", "Failed", "backend is down", "connection refused"} {
		assert.Contains(t, rendered, want)
	}
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "never", formatTime(nil))
	assert.Equal(t, "never", formatTime(&time.Time{}))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Local().Format(time.RFC3339), formatTime(&at))
}
