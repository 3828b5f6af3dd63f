// Package app owns the per-installation client context: the serialization
// lock, the local store, the transports, the health monitor, the push channel
// and the task pool. Host shells (the CLI, the status server) drive
// synchronization exclusively through Client.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"k8s.io/utils/clock"

	"github.com/chronodesk/chronosync/internal/apiclient"
	"github.com/chronodesk/chronosync/internal/apierr"
	"github.com/chronodesk/chronosync/internal/config"
	"github.com/chronodesk/chronosync/internal/credentials"
	"github.com/chronodesk/chronosync/internal/httpclient"
	"github.com/chronodesk/chronosync/internal/model"
	"github.com/chronodesk/chronosync/internal/notify"
	"github.com/chronodesk/chronosync/internal/realtime"
	"github.com/chronodesk/chronosync/internal/status"
	"github.com/chronodesk/chronosync/internal/store"
	pkgsync "github.com/chronodesk/chronosync/internal/sync"
	"github.com/chronodesk/chronosync/internal/sync/coordinator"
	"github.com/chronodesk/chronosync/internal/sync/state"
	"github.com/chronodesk/chronosync/internal/tasks"
)

// TracerName is the instrumentation scope of client spans
const TracerName = "github.com/chronodesk/chronosync/internal/app"

// ErrNoRunningEntry is returned by StopTimeEntry when nothing is tracked
var ErrNoRunningEntry = errors.New("no time entry is running")

// Completion receives the outcome of an async operation
type Completion func(success bool, message string)

// Client is the trigger surface of the sync core. It is safe for concurrent
// use.
type Client struct {
	config *config.Config
	clock  clock.Clock
	flock  *flock.Flock

	// mu serializes push, pull, realtime merges, local mutations and
	// credential changes. The sync manager shares it.
	mu sync.Mutex

	raw      *httpclient.Transport
	api      *apiclient.Client
	monitor  *status.Monitor
	store    store.Store
	tokens   credentials.Store
	manager  pkgsync.Manager
	tracker  *state.Tracker
	notifier *notify.Notifier
	pool     *tasks.Pool

	activity func(working bool)
	active   atomic.Int32

	rtMu    sync.Mutex
	channel *realtime.Channel

	autoMu sync.Mutex
	auto   coordinator.Coordinator

	closeOnce sync.Once
	closeErr  error
}

// Status is a point-in-time summary for hosts.
type Status struct {
	Backend      string           `json:"backend"`
	BackendError string           `json:"backendError,omitempty"`
	LoggedIn     bool             `json:"loggedIn"`
	UserID       uint64           `json:"userId,omitempty"`
	Pushable     int              `json:"pushable"`
	Realtime     bool             `json:"realtime"`
	Active       bool             `json:"active"`
	Sync         state.SyncStatus `json:"sync"`
}

// Config returns the configuration the client was built with
func (c *Client) Config() *config.Config {
	return c.config
}

// SetChangeCallback registers the host callback for model changes and
// terminal failures. A nil callback disables notifications.
func (c *Client) SetChangeCallback(cb notify.Callback) {
	c.notifier.SetCallback(cb)
}

// Login authenticates with email and password, stores the returned API
// token and merges the user's data. Logging in as a different user wipes
// the previous user's entities first.
func (c *Client) Login(ctx context.Context, email, password string) (*model.User, error) {
	data, err := c.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if data.User == nil || data.User.APIToken == "" {
		return nil, apierr.New(apierr.KindRejected, "login response carries no API token")
	}

	if err := c.switchUser(ctx, data.User); err != nil {
		return nil, err
	}

	changes, err := c.manager.Load(ctx, data)
	c.notifier.Changes(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to store user data: %w", err)
	}

	slog.Info("Logged in", "user_id", data.User.ID)
	return data.User, nil
}

func (c *Client) switchUser(ctx context.Context, user *model.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.store.Session(ctx)
	if err != nil {
		return err
	}
	if session.LoggedIn() && session.UserID != user.ID {
		slog.Info("Switching user, clearing local data", "previous_user_id", session.UserID)
		if err := c.store.ClearSession(ctx); err != nil {
			return fmt.Errorf("failed to clear previous session: %w", err)
		}
	}
	if err := c.tokens.SetToken(user.APIToken); err != nil {
		return fmt.Errorf("failed to store API token: %w", err)
	}
	return nil
}

// Logout stops the push channel, forgets the API token and wipes every
// local entity.
func (c *Client) Logout(ctx context.Context) error {
	c.StopRealtime()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tokens.Clear(); err != nil {
		return fmt.Errorf("failed to clear API token: %w", err)
	}
	if err := c.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	slog.Info("Logged out")
	return nil
}

// SetAPIToken replaces the stored API token
func (c *Client) SetAPIToken(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token == "" {
		return c.tokens.Clear()
	}
	return c.tokens.SetToken(token)
}

// APIToken returns the stored API token, empty when logged out
func (c *Client) APIToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.Token()
}

// CurrentUser returns the logged-in user from the local store
func (c *Client) CurrentUser(ctx context.Context) (*model.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentUser(ctx)
}

// currentUser requires c.mu held
func (c *Client) currentUser(ctx context.Context) (*model.User, error) {
	session, err := c.store.Session(ctx)
	if err != nil {
		return nil, err
	}
	if !session.LoggedIn() {
		return nil, apierr.ErrNotAuthenticated
	}

	e, err := c.store.Find(ctx, model.TypeUser, "", session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", session.UserID, err)
	}
	user, ok := e.(*model.User)
	if !ok {
		return nil, fmt.Errorf("unexpected entity %T for user %d", e, session.UserID)
	}
	return user, nil
}

// Sync pushes local changes, then pulls the user's data. A full sync also
// drops local entities the backend no longer has.
func (c *Client) Sync(ctx context.Context, full bool) error {
	return c.track(ctx, pkgsync.OperationSync, func(ctx context.Context) ([]model.ModelChange, error) {
		return c.manager.Sync(ctx, full)
	})
}

// Push sends local changes only
func (c *Client) Push(ctx context.Context) error {
	return c.track(ctx, pkgsync.OperationPush, c.manager.Push)
}

// track records the run in the sync state and forwards its changes. Changes
// produced before a failure are still delivered.
func (c *Client) track(
	ctx context.Context,
	operation string,
	fn func(ctx context.Context) ([]model.ModelChange, error),
) error {
	c.tracker.Begin(ctx, operation)
	changes, err := fn(ctx)
	c.notifier.Changes(changes)
	if err != nil {
		c.tracker.Fail(ctx, err)
		return err
	}
	c.tracker.Complete(ctx, len(changes))
	return nil
}

// PushableModels returns the entities a push would send
func (c *Client) PushableModels(ctx context.Context) ([]model.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Dirty(ctx)
}

// SyncAsync runs Sync on the task pool
func (c *Client) SyncAsync(full bool, done Completion) *tasks.Handle {
	return c.pool.Submit(pkgsync.OperationSync, func(ctx context.Context) error {
		return complete(done, "Sync complete", c.Sync(ctx, full))
	})
}

// PushAsync runs Push on the task pool
func (c *Client) PushAsync(done Completion) *tasks.Handle {
	return c.pool.Submit(pkgsync.OperationPush, func(ctx context.Context) error {
		return complete(done, "Push complete", c.Push(ctx))
	})
}

// LoginAsync runs Login on the task pool
func (c *Client) LoginAsync(email, password string, done Completion) *tasks.Handle {
	return c.pool.Submit("login", func(ctx context.Context) error {
		_, err := c.Login(ctx, email, password)
		return complete(done, "Logged in", err)
	})
}

func complete(done Completion, message string, err error) error {
	if done == nil {
		return err
	}
	if err != nil {
		done(false, err.Error())
		return err
	}
	done(true, message)
	return nil
}

// StartRealtime connects the push stream with the stored API token.
// Updates are merged under the serialization lock and forwarded to the
// change callback.
func (c *Client) StartRealtime() error {
	token, err := c.APIToken()
	if err != nil {
		return fmt.Errorf("failed to read API token: %w", err)
	}

	ch, err := c.realtimeChannel()
	if err != nil {
		return err
	}
	return ch.Start(token, c.applyUpdate)
}

func (c *Client) applyUpdate(ctx context.Context, payload []byte) error {
	changes, err := c.manager.ApplyUpdate(ctx, payload)
	c.notifier.Changes(changes)
	return err
}

// StopRealtime disconnects the push stream. It is a no-op when the stream
// is not running.
func (c *Client) StopRealtime() {
	c.rtMu.Lock()
	ch := c.channel
	c.rtMu.Unlock()

	if ch != nil {
		ch.Stop()
	}
}

// RealtimeRunning reports whether the push stream loop is active
func (c *Client) RealtimeRunning() bool {
	c.rtMu.Lock()
	ch := c.channel
	c.rtMu.Unlock()
	return ch != nil && ch.Running()
}

// StartRealtimeAsync runs StartRealtime on the task pool
func (c *Client) StartRealtimeAsync(done Completion) *tasks.Handle {
	return c.pool.Submit("realtime-start", func(context.Context) error {
		return complete(done, "Realtime updates started", c.StartRealtime())
	})
}

// StopRealtimeAsync runs StopRealtime on the task pool
func (c *Client) StopRealtimeAsync(done Completion) *tasks.Handle {
	return c.pool.Submit("realtime-stop", func(context.Context) error {
		c.StopRealtime()
		return complete(done, "Realtime updates stopped", nil)
	})
}

func (c *Client) realtimeChannel() (*realtime.Channel, error) {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()

	if c.channel != nil {
		return c.channel, nil
	}

	httpClient, err := c.raw.StreamClient()
	if err != nil {
		return nil, err
	}
	c.channel = realtime.New(c.config.API.RealtimeURL,
		realtime.WithHTTPClient(httpClient),
		realtime.WithUserAgent(c.raw.Config().UserAgent()),
		realtime.WithClock(c.clock))
	return c.channel, nil
}

// BackendStatus returns nil while the backend is considered reachable
func (c *Client) BackendStatus() error {
	return c.monitor.Status()
}

// Active reports whether a backend call is in flight
func (c *Client) Active() bool {
	return c.active.Load() > 0
}

func (c *Client) observeActivity(working bool) {
	if working {
		c.active.Add(1)
	} else {
		c.active.Add(-1)
	}
	if c.activity != nil {
		c.activity(working)
	}
}

// Status summarizes the client state
func (c *Client) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Backend:  c.monitor.State().String(),
		Realtime: c.RealtimeRunning(),
		Active:   c.Active(),
		Sync:     c.tracker.Status(),
	}
	if err := c.monitor.Status(); err != nil {
		st.BackendError = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.store.Session(ctx)
	if err != nil {
		return nil, err
	}
	st.LoggedIn = session.LoggedIn()
	st.UserID = session.UserID

	dirty, err := c.store.Dirty(ctx)
	if err != nil {
		return nil, err
	}
	st.Pushable = len(dirty)
	return st, nil
}

// RunAutoSync runs an initial full sync and then periodic incremental syncs
// until ctx is cancelled or the client is closed. Failures are reported to
// the change callback.
func (c *Client) RunAutoSync(ctx context.Context) error {
	coord := coordinator.New(autoSyncer{c}, &c.config.Sync, coordinator.WithClock(c.clock))

	c.autoMu.Lock()
	if c.auto != nil {
		c.autoMu.Unlock()
		return coordinator.ErrAlreadyStarted
	}
	c.auto = coord
	c.autoMu.Unlock()

	defer func() {
		c.autoMu.Lock()
		c.auto = nil
		c.autoMu.Unlock()
	}()
	return coord.Start(ctx)
}

func (c *Client) stopAutoSync() {
	c.autoMu.Lock()
	coord := c.auto
	c.autoMu.Unlock()

	if coord != nil {
		_ = coord.Stop()
	}
}

type autoSyncer struct {
	c *Client
}

// Sync implements coordinator.Syncer
func (s autoSyncer) Sync(ctx context.Context, full bool) error {
	err := s.c.Sync(ctx, full)
	if apierr.IsKind(err, apierr.KindNotAuthenticated) {
		slog.Debug("Skipping background sync, not logged in")
		return nil
	}
	s.c.notifier.Failure(err)
	return err
}

// Close joins outstanding tasks and stops the background loops, then
// releases the store and the data directory lock.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.pool.Close()
		c.StopRealtime()
		c.stopAutoSync()
		c.monitor.Stop()

		var errs []error
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		if err := c.flock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release data directory lock: %w", err))
		}
		c.closeErr = errors.Join(errs...)
		slog.Info("Client closed")
	})
	return c.closeErr
}
