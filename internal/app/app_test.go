package app

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronodesk/chronosync/internal/apiclient"
	"github.com/chronodesk/chronosync/internal/apierr"
	"github.com/chronodesk/chronosync/internal/config"
	"github.com/chronodesk/chronosync/internal/credentials"
	"github.com/chronodesk/chronosync/internal/model"
	"github.com/chronodesk/chronosync/internal/sync/coordinator"
	"github.com/chronodesk/chronosync/internal/sync/state"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "secret"
	testToken    = "tok-5"
)

// fakeBackend serves the user data, batch and push stream endpoints.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server
	ca     string

	mu       sync.Mutex
	batches  [][]apiclient.BatchUpdate
	fetches  atomic.Int32
	nextID   uint64
	userID   uint64
	userTok  string
	streamed chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{t: t, nextID: 100, userID: 5, userTok: testToken, streamed: make(chan struct{}, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v9/me", b.me)
	mux.HandleFunc("POST /api/v9/batch_updates", b.batch)
	mux.HandleFunc("GET /api/v9/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /stream", b.stream)

	b.server = httptest.NewTLSServer(mux)
	t.Cleanup(b.server.Close)

	b.ca = filepath.Join(t.TempDir(), "ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.server.Certificate().Raw})
	require.NoError(t, os.WriteFile(b.ca, data, 0o600))
	return b
}

func (b *fakeBackend) me(w http.ResponseWriter, r *http.Request) {
	b.fetches.Add(1)
	user, pass, _ := r.BasicAuth()

	b.mu.Lock()
	userID, token := b.userID, b.userTok
	b.mu.Unlock()

	if user != token && (user != testEmail || pass != testPassword) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error_message":"bad credentials"}`))
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"since": 1700000000,
		"data": map[string]any{
			"id": userID, "api_token": token, "email": testEmail,
			"default_workspace_id": 1, "at": "2024-01-01T00:00:00Z",
		},
		"workspaces": []map[string]any{{"id": 1, "name": "Home", "at": "2024-01-01T00:00:00Z"}},
		"tags":       []map[string]any{{"id": 10, "wid": 1, "name": "focus", "at": "2024-01-01T00:00:00Z"}},
	})
}

func (b *fakeBackend) batch(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body = zr
	}

	var updates []apiclient.BatchUpdate
	if err := json.NewDecoder(body).Decode(&updates); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.batches = append(b.batches, updates)
	results := make([]apiclient.BatchResult, 0, len(updates))
	for _, u := range updates {
		b.nextID++
		ack, _ := json.Marshal(map[string]any{"id": b.nextID, "at": "2024-02-01T00:00:00Z"})
		results = append(results, apiclient.BatchResult{GUID: u.GUID, Status: http.StatusOK, Body: ack})
	}
	b.mu.Unlock()

	_ = json.NewEncoder(w).Encode(results)
}

func (b *fakeBackend) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	var auth struct {
		Type     string `json:"type"`
		APIToken string `json:"api_token"`
	}
	if err := wsjson.Read(r.Context(), conn, &auth); err != nil || auth.APIToken != testToken {
		_ = conn.Close(websocket.StatusPolicyViolation, "bad token")
		return
	}

	_ = conn.Write(r.Context(), websocket.MessageText,
		[]byte(`{"action":"INSERT","model":"tag","data":{"id":77,"wid":1,"name":"urgent","at":"2024-03-01T00:00:00Z"}}`))
	select {
	case b.streamed <- struct{}{}:
	default:
	}
	<-conn.CloseRead(r.Context()).Done()
}

func (b *fakeBackend) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func (b *fakeBackend) lastBatch() []apiclient.BatchUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches[len(b.batches)-1]
}

func (b *fakeBackend) config(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		API: config.APIConfig{
			Host:        b.server.URL,
			RealtimeURL: "wss" + strings.TrimPrefix(b.server.URL, "https") + "/stream",
		},
		TLS:         config.TLSConfig{CACertPath: b.ca},
		App:         config.AppConfig{Name: "chronosync-test", Version: "1.0.0"},
		Storage:     config.StorageConfig{DataDir: t.TempDir()},
		Credentials: config.CredentialsConfig{Backend: credentials.BackendMemory},
	}
}

// changeLog records callback invocations
type changeLog struct {
	mu       sync.Mutex
	changes  []model.ModelChange
	failures []string
}

func (l *changeLog) callback(success bool, message string, change *model.ModelChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !success {
		l.failures = append(l.failures, message)
		return
	}
	l.changes = append(l.changes, *change)
}

func (l *changeLog) has(kind model.ModelType, ct model.ChangeType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.changes {
		if c.ModelType == kind && c.ChangeType == ct {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, cfg *config.Config, opts ...ClientOption) *Client {
	t.Helper()

	c, err := New(context.Background(), append([]ClientOption{WithConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func loggedInClient(t *testing.T, b *fakeBackend, opts ...ClientOption) (*Client, *changeLog) {
	t.Helper()

	c := newTestClient(t, b.config(t), opts...)
	log := &changeLog{}
	c.SetChangeCallback(log.callback)

	_, err := c.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	return c, log
}

func TestNew_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestNew_InvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), WithConfig(&config.Config{}), WithPoolSize(0))
	assert.Error(t, err)

	_, err = New(context.Background(), WithConfig(&config.Config{}), WithClock(nil))
	assert.Error(t, err)
}

func TestNew_LocksDataDirectory(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	cfg := b.config(t)

	first, err := New(context.Background(), WithConfig(cfg))
	require.NoError(t, err)

	_, err = New(context.Background(), WithConfig(cfg))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := New(context.Background(), WithConfig(cfg))
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}

func TestClient_Login(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, log := loggedInClient(t, b)
	ctx := context.Background()

	assert.Equal(t, int32(1), b.fetches.Load(), "login must not fetch twice")
	assert.True(t, log.has(model.TypeUser, model.ChangeInsert))
	assert.True(t, log.has(model.TypeTag, model.ChangeInsert))

	token, err := c.APIToken()
	require.NoError(t, err)
	assert.Equal(t, testToken, token)

	user, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), user.ID)
	assert.Equal(t, testEmail, user.Email)

	pushable, err := c.PushableModels(ctx)
	require.NoError(t, err)
	assert.Empty(t, pushable)
}

func TestClient_Login_WrongPassword(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c := newTestClient(t, b.config(t))

	_, err := c.Login(context.Background(), testEmail, "nope")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindRejected))

	_, err = c.CurrentUser(context.Background())
	assert.ErrorIs(t, err, apierr.ErrNotAuthenticated)
}

func TestClient_Login_OtherUserClearsData(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, _ := loggedInClient(t, b)
	ctx := context.Background()

	require.NoError(t, c.SaveEntity(ctx, &model.Tag{WID: 1, Name: "draft"}))

	b.mu.Lock()
	b.userID, b.userTok = 6, "tok-6"
	b.mu.Unlock()

	_, err := c.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	user, err := c.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), user.ID)

	pushable, err := c.PushableModels(ctx)
	require.NoError(t, err)
	assert.Empty(t, pushable, "the previous user's edits are dropped")
}

func TestClient_Logout(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, _ := loggedInClient(t, b)
	ctx := context.Background()

	require.NoError(t, c.Logout(ctx))

	token, err := c.APIToken()
	require.NoError(t, err)
	assert.Empty(t, token)

	_, err = c.CurrentUser(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotAuthenticated)

	err = c.Sync(ctx, false)
	assert.True(t, apierr.IsKind(err, apierr.KindNotAuthenticated))
	assert.Equal(t, int32(1), b.fetches.Load())
}

func TestClient_SetAPIToken(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c := newTestClient(t, b.config(t))

	require.NoError(t, c.SetAPIToken("abc"))
	token, err := c.APIToken()
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	require.NoError(t, c.SetAPIToken(""))
	token, err = c.APIToken()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestClient_TimeEntries(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, log := loggedInClient(t, b)
	ctx := context.Background()

	_, err := c.StopTimeEntry(ctx)
	assert.ErrorIs(t, err, ErrNoRunningEntry)

	first, err := c.StartTimeEntry(ctx, "write tests")
	require.NoError(t, err)
	assert.True(t, first.Running())
	assert.Equal(t, uint64(1), first.WID)
	assert.Equal(t, "chronosync-test", first.CreatedWith)
	assert.NotEmpty(t, first.GUID)
	assert.True(t, log.has(model.TypeTimeEntry, model.ChangeInsert))

	second, err := c.StartTimeEntry(ctx, "review")
	require.NoError(t, err)

	found, err := c.store.Find(ctx, model.TypeTimeEntry, first.GUID, 0)
	require.NoError(t, err)
	assert.False(t, found.(*model.TimeEntry).Running(), "starting an entry stops the running one")

	stopped, err := c.StopTimeEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.GUID, stopped.GUID)
	assert.False(t, stopped.Running())

	pushable, err := c.PushableModels(ctx)
	require.NoError(t, err)
	assert.Len(t, pushable, 2)
}

func TestClient_StartTimeEntry_RequiresLogin(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c := newTestClient(t, b.config(t))

	_, err := c.StartTimeEntry(context.Background(), "nothing")
	assert.ErrorIs(t, err, apierr.ErrNotAuthenticated)
}

func TestClient_SyncPushesDirtyEntities(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, _ := loggedInClient(t, b)
	ctx := context.Background()

	entry, err := c.StartTimeEntry(ctx, "write tests")
	require.NoError(t, err)

	require.NoError(t, c.Sync(ctx, false))

	require.Equal(t, 1, b.batchCount())
	batch := b.lastBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, http.MethodPost, batch[0].Method)
	assert.Equal(t, entry.GUID, batch[0].GUID)

	pushable, err := c.PushableModels(ctx)
	require.NoError(t, err)
	assert.Empty(t, pushable)

	synced, err := c.store.Find(ctx, model.TypeTimeEntry, entry.GUID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), synced.Meta().ID)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.LoggedIn)
	assert.Equal(t, uint64(5), st.UserID)
	assert.Equal(t, 0, st.Pushable)
	assert.Equal(t, "healthy", st.Backend)
	assert.Equal(t, state.SyncPhaseComplete, st.Sync.Phase)
	assert.Equal(t, "sync", st.Sync.Operation)
}

func TestClient_DeleteNeverPushedEntity(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, log := loggedInClient(t, b)
	ctx := context.Background()

	tag := &model.Tag{WID: 1, Name: "scratch"}
	require.NoError(t, c.SaveEntity(ctx, tag))
	require.NoError(t, c.DeleteEntity(ctx, model.TypeTag, tag.GUID, 0))

	require.NoError(t, c.Push(ctx))
	assert.Equal(t, 0, b.batchCount(), "a tombstone the backend never saw needs no request")
	assert.True(t, log.has(model.TypeTag, model.ChangeDelete))

	_, err := c.store.Find(ctx, model.TypeTag, tag.GUID, 0)
	assert.Error(t, err)
}

func TestClient_DeleteEntity_NotFound(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, _ := loggedInClient(t, b)

	err := c.DeleteEntity(context.Background(), model.TypeTag, "missing", 0)
	assert.Error(t, err)
}

func TestClient_Async(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c := newTestClient(t, b.config(t))

	type outcome struct {
		success bool
		message string
	}
	results := make(chan outcome, 3)
	done := func(success bool, message string) { results <- outcome{success, message} }

	require.NoError(t, c.LoginAsync(testEmail, testPassword, done).Wait())
	assert.Equal(t, outcome{true, "Logged in"}, <-results)

	require.NoError(t, c.SyncAsync(true, done).Wait())
	assert.Equal(t, outcome{true, "Sync complete"}, <-results)

	require.NoError(t, c.Logout(context.Background()))
	handle := c.PushAsync(done)
	assert.Error(t, handle.Wait())
	got := <-results
	assert.False(t, got.success)
	assert.NotEmpty(t, got.message)
}

func TestClient_Realtime(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, log := loggedInClient(t, b)

	require.NoError(t, c.StartRealtime())
	assert.True(t, c.RealtimeRunning())

	select {
	case <-b.streamed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never connected")
	}
	assert.Eventually(t, func() bool {
		_, err := c.store.Find(context.Background(), model.TypeTag, "", 77)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, log.has(model.TypeTag, model.ChangeInsert))

	require.NoError(t, c.StopRealtimeAsync(nil).Wait())
	assert.False(t, c.RealtimeRunning())
}

func TestClient_StartRealtime_RequiresToken(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c := newTestClient(t, b.config(t))

	err := c.StartRealtime()
	assert.ErrorIs(t, err, apierr.ErrNotAuthenticated)
	assert.False(t, c.RealtimeRunning())
}

func TestClient_RunAutoSync(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	c, _ := loggedInClient(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.RunAutoSync(ctx) }()

	// the initial full sync fetches once more after login
	assert.Eventually(t, func() bool { return b.fetches.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.RunAutoSync(ctx), coordinator.ErrAlreadyStarted)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("auto sync did not stop")
	}
}

func TestClient_ActivityCallback(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	var started, finished atomic.Int32
	c, _ := loggedInClient(t, b, WithActivityCallback(func(working bool) {
		if working {
			started.Add(1)
			return
		}
		finished.Add(1)
	}))

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(1), finished.Load())
	assert.False(t, c.Active())
	assert.NoError(t, c.BackendStatus())
}
