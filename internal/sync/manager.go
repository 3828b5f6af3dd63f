package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/chronodesk/chronosync/internal/apiclient"
	"github.com/chronodesk/chronosync/internal/apierr"
	"github.com/chronodesk/chronosync/internal/model"
	"github.com/chronodesk/chronosync/internal/otel"
	"github.com/chronodesk/chronosync/internal/store"
)

// Operation names used in spans, metrics and the sync state
const (
	OperationPush   = "push"
	OperationPull   = "pull"
	OperationSync   = "sync"
	OperationUpdate = "update"
	OperationLoad   = "load"
)

// Manager synchronizes the local store with the backend.
//
//go:generate mockgen -destination=mocks/mock_manager.go -package=mocks github.com/chronodesk/chronosync/internal/sync Manager
type Manager interface {
	// Push sends every dirty entity to the backend in one batch.
	Push(ctx context.Context) ([]model.ModelChange, error)

	// Pull fetches the user's data and merges it. An incremental pull asks
	// only for changes since the last successful pull.
	Pull(ctx context.Context, full bool) ([]model.ModelChange, error)

	// Sync pushes, then pulls. The first failure aborts and is returned with
	// the changes already produced.
	Sync(ctx context.Context, full bool) ([]model.ModelChange, error)

	// ApplyUpdate merges one realtime message.
	ApplyUpdate(ctx context.Context, payload []byte) ([]model.ModelChange, error)

	// Load merges a complete payload fetched elsewhere, such as the login
	// response, exactly like a full pull.
	Load(ctx context.Context, data *model.UserData) ([]model.ModelChange, error)
}

// API is the part of the backend client the manager needs
type API interface {
	FetchUserData(ctx context.Context, token string, since time.Time) (*model.UserData, error)
	BatchUpdate(ctx context.Context, token string, updates []apiclient.BatchUpdate) ([]apiclient.BatchResult, error)
}

// TokenSource provides the API token of the logged-in user
type TokenSource interface {
	Token() (string, error)
}

// Metrics receives one observation per operation
type Metrics interface {
	RecordSync(ctx context.Context, operation string, duration time.Duration, changes int, err error)
}

type defaultManager struct {
	store   store.Store
	api     API
	tokens  TokenSource
	lock    gosync.Locker
	clock   clock.PassiveClock
	metrics Metrics
	tracer  trace.Tracer
}

// Option configures the manager
type Option func(*defaultManager)

// WithLock shares the serialization lock with other mutators
func WithLock(lock gosync.Locker) Option {
	return func(m *defaultManager) {
		m.lock = lock
	}
}

// WithClock sets the clock used for timings and remote tombstones
func WithClock(clk clock.PassiveClock) Option {
	return func(m *defaultManager) {
		m.clock = clk
	}
}

// WithMetrics sets the sync metrics
func WithMetrics(metrics Metrics) Option {
	return func(m *defaultManager) {
		m.metrics = metrics
	}
}

// WithTracer sets the tracer for sync spans
func WithTracer(tracer trace.Tracer) Option {
	return func(m *defaultManager) {
		m.tracer = tracer
	}
}

// NewManager creates a Manager
func NewManager(st store.Store, api API, tokens TokenSource, opts ...Option) Manager {
	m := &defaultManager{
		store:  st,
		api:    api,
		tokens: tokens,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lock == nil {
		m.lock = &gosync.Mutex{}
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	return m
}

// run holds the lock, wraps fn in a span and records metrics.
func (m *defaultManager) run(
	ctx context.Context,
	operation string,
	fn func(ctx context.Context) ([]model.ModelChange, error),
	attrs ...trace.SpanStartOption,
) ([]model.ModelChange, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	opts := append([]trace.SpanStartOption{
		trace.WithAttributes(otel.AttrSyncOperation.String(operation)),
	}, attrs...)
	ctx, span := otel.StartSpan(ctx, m.tracer, "sync."+operation, opts...)
	defer span.End()

	started := m.clock.Now()
	changes, err := fn(ctx)
	duration := m.clock.Since(started)

	span.SetAttributes(otel.AttrChangeCount.Int(len(changes)))
	otel.RecordError(span, err)
	if m.metrics != nil {
		m.metrics.RecordSync(ctx, operation, duration, len(changes), err)
	}

	if err != nil {
		slog.Warn("Sync operation failed",
			"operation", operation,
			"changes", len(changes),
			"duration", duration,
			"error", err)
	} else {
		slog.Debug("Sync operation completed",
			"operation", operation,
			"changes", len(changes),
			"duration", duration)
	}
	return changes, err
}

// Push implements Manager
func (m *defaultManager) Push(ctx context.Context) ([]model.ModelChange, error) {
	return m.run(ctx, OperationPush, m.push)
}

// Pull implements Manager
func (m *defaultManager) Pull(ctx context.Context, full bool) ([]model.ModelChange, error) {
	return m.run(ctx, OperationPull, func(ctx context.Context) ([]model.ModelChange, error) {
		return m.pull(ctx, full)
	}, trace.WithAttributes(otel.AttrSyncFull.Bool(full)))
}

// Sync implements Manager
func (m *defaultManager) Sync(ctx context.Context, full bool) ([]model.ModelChange, error) {
	return m.run(ctx, OperationSync, func(ctx context.Context) ([]model.ModelChange, error) {
		changes, err := m.push(ctx)
		if err != nil {
			return changes, err
		}
		pulled, err := m.pull(ctx, full)
		return append(changes, pulled...), err
	}, trace.WithAttributes(otel.AttrSyncFull.Bool(full)))
}

// ApplyUpdate implements Manager
func (m *defaultManager) ApplyUpdate(ctx context.Context, payload []byte) ([]model.ModelChange, error) {
	return m.run(ctx, OperationUpdate, func(ctx context.Context) ([]model.ModelChange, error) {
		return m.applyUpdate(ctx, payload)
	})
}

// Load implements Manager
func (m *defaultManager) Load(ctx context.Context, data *model.UserData) ([]model.ModelChange, error) {
	return m.run(ctx, OperationLoad, func(ctx context.Context) ([]model.ModelChange, error) {
		session, err := m.store.Session(ctx)
		if err != nil {
			return nil, err
		}
		return m.apply(ctx, session, data, true)
	})
}

func (m *defaultManager) token() (string, error) {
	token, err := m.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("failed to read API token: %w", err)
	}
	if token == "" {
		return "", apierr.ErrNotAuthenticated
	}
	return token, nil
}

func (m *defaultManager) push(ctx context.Context) ([]model.ModelChange, error) {
	token, err := m.token()
	if err != nil {
		return nil, err
	}

	dirty, err := m.store.Dirty(ctx)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrPendingCount.Int(len(dirty)))

	var (
		changes  []model.ModelChange
		local    []model.Entity
		outgoing []model.Entity
	)
	for _, e := range dirty {
		meta := e.Meta()
		if meta.IsDeleted() && meta.ID == 0 {
			local = append(local, e)
			continue
		}
		outgoing = append(outgoing, e)
	}

	// tombstones the backend never saw are dropped without a request
	if len(local) > 0 {
		removed, err := m.store.Remove(ctx, local...)
		if err != nil {
			return nil, err
		}
		changes = append(changes, removed...)
	}

	if len(outgoing) == 0 {
		return changes, nil
	}

	updates := make([]apiclient.BatchUpdate, 0, len(outgoing))
	for _, e := range outgoing {
		update, err := encodeUpdate(e)
		if err != nil {
			return changes, err
		}
		updates = append(updates, update)
	}

	slog.Info("Pushing local changes", "count", len(updates))
	results, err := m.api.BatchUpdate(ctx, token, updates)
	if err != nil {
		return changes, err
	}

	var (
		acked    []model.Entity
		deleted  []model.Entity
		failures []error
	)
	for i, result := range results {
		e := outgoing[i]
		meta := e.Meta()

		if meta.IsDeleted() {
			if result.OK() || result.Status == 404 {
				deleted = append(deleted, e)
				continue
			}
			failures = append(failures, fmt.Errorf("delete %s %s: %w", e.Kind(), meta.GUID, result.Err()))
			continue
		}

		if !result.OK() {
			failures = append(failures, fmt.Errorf("%s %s: %w", e.Kind(), meta.GUID, result.Err()))
			continue
		}

		if err := acknowledge(e, result); err != nil {
			failures = append(failures, err)
			continue
		}
		acked = append(acked, e)
	}

	saved, err := m.store.Save(ctx, acked...)
	if err != nil {
		return changes, err
	}
	changes = append(changes, saved...)

	removed, err := m.store.Remove(ctx, deleted...)
	if err != nil {
		return changes, err
	}
	changes = append(changes, removed...)

	if len(failures) > 0 {
		return changes, errors.Join(failures...)
	}
	return changes, nil
}

func (m *defaultManager) pull(ctx context.Context, full bool) ([]model.ModelChange, error) {
	token, err := m.token()
	if err != nil {
		return nil, err
	}

	session, err := m.store.Session(ctx)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if !full {
		since = session.Since
	}

	data, err := m.api.FetchUserData(ctx, token, since)
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, session, data, since.IsZero())
}

// apply merges data and advances the session. A complete payload also
// prunes entities the backend no longer has.
func (m *defaultManager) apply(
	ctx context.Context,
	session model.Session,
	data *model.UserData,
	complete bool,
) ([]model.ModelChange, error) {
	var changes []model.ModelChange
	seen := make(map[identity]bool)
	for _, remote := range data.Entities() {
		seen[identityOf(remote)] = true
		merged, err := m.merge(ctx, remote)
		if err != nil {
			return changes, err
		}
		changes = append(changes, merged...)
	}

	if complete {
		pruned, err := m.prune(ctx, seen)
		if err != nil {
			return changes, err
		}
		changes = append(changes, pruned...)
	}

	next := model.Session{UserID: session.UserID, Since: session.Since}
	if data.User != nil && data.User.ID != 0 {
		next.UserID = data.User.ID
	}
	if s := data.SinceTime(); !s.IsZero() {
		next.Since = s
	}
	if err := m.store.SaveSession(ctx, next); err != nil {
		return changes, err
	}
	return changes, nil
}

// prune removes clean, previously synced entities the backend no longer
// returns.
func (m *defaultManager) prune(ctx context.Context, seen map[identity]bool) ([]model.ModelChange, error) {
	var stale []model.Entity
	for _, kind := range model.AllTypes {
		entities, err := m.store.List(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			meta := e.Meta()
			if meta.ID == 0 || meta.IsDirty() || seen[identityOf(e)] {
				continue
			}
			if meta.GUID != "" && seen[identity{kind: kind, guid: meta.GUID}] {
				continue
			}
			stale = append(stale, e)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	slog.Debug("Removing entities missing from full pull", "count", len(stale))
	return m.store.Remove(ctx, stale...)
}

// merge applies one remote entity with the last-writer-wins policy.
func (m *defaultManager) merge(ctx context.Context, remote model.Entity) ([]model.ModelChange, error) {
	rm := remote.Meta()
	if user, ok := remote.(*model.User); ok {
		user.APIToken = ""
	}

	local, err := m.store.Find(ctx, remote.Kind(), rm.GUID, rm.ID)
	if errors.Is(err, store.ErrNotFound) {
		if rm.ServerDeletedAt != nil {
			return nil, nil
		}
		rm.DirtyAt, rm.SyncedAt, rm.DeletedAt = time.Time{}, time.Time{}, time.Time{}
		return m.store.Save(ctx, remote)
	}
	if err != nil {
		return nil, err
	}

	lm := local.Meta()
	if rm.ServerDeletedAt != nil {
		return m.store.Remove(ctx, local)
	}
	if !rm.At.After(lm.At) && rm.ID == lm.ID {
		return nil, nil
	}

	rm.DirtyAt, rm.SyncedAt, rm.DeletedAt = lm.DirtyAt, lm.SyncedAt, lm.DeletedAt
	if rm.GUID == "" {
		rm.GUID = lm.GUID
	}
	if rm.ID == 0 {
		rm.ID = lm.ID
	}
	return m.store.Save(ctx, remote)
}

// identity keys an entity for the prune pass
type identity struct {
	kind model.ModelType
	guid string
	id   uint64
}

func identityOf(e model.Entity) identity {
	meta := e.Meta()
	if meta.ID != 0 {
		return identity{kind: e.Kind(), id: meta.ID}
	}
	return identity{kind: e.Kind(), guid: meta.GUID}
}
