package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/chronodesk/chronosync/internal/apiclient"
	"github.com/chronodesk/chronosync/internal/config"
	"github.com/chronodesk/chronosync/internal/credentials"
	"github.com/chronodesk/chronosync/internal/httpclient"
	"github.com/chronodesk/chronosync/internal/notify"
	"github.com/chronodesk/chronosync/internal/realtime"
	"github.com/chronodesk/chronosync/internal/status"
	"github.com/chronodesk/chronosync/internal/store"
	pkgsync "github.com/chronodesk/chronosync/internal/sync"
	"github.com/chronodesk/chronosync/internal/sync/state"
	"github.com/chronodesk/chronosync/internal/tasks"
	"github.com/chronodesk/chronosync/internal/telemetry"
)

// LockFileName is the instance lock inside the data directory
const LockFileName = "chronosync.lock"

// ErrAlreadyRunning is returned when another process holds the data directory
var ErrAlreadyRunning = errors.New("another chronosync process is using the data directory")

// ClientOption configures the client builder
type ClientOption func(*clientConfig) error

// clientConfig collects the builder inputs. Components left nil are built
// from config.
type clientConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	store     store.Store
	tokens    credentials.Store
	transport httpclient.Client
	bans      *httpclient.BanRegistry
	monitor   *status.Monitor
	channel   *realtime.Channel
	clock     clock.Clock

	poolSize int
	activity func(working bool)

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

func baseConfig(opts ...ClientOption) (*clientConfig, error) {
	cfg := &clientConfig{
		poolSize: tasks.DefaultSize,
		clock:    clock.RealClock{},
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return cfg, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.config = c
		return nil
	}
}

// WithStore replaces the SQLite store
func WithStore(s store.Store) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.store = s
		return nil
	}
}

// WithCredentials replaces the configured token store
func WithCredentials(s credentials.Store) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.tokens = s
		return nil
	}
}

// WithTransport replaces the HTTP transport used for API calls
func WithTransport(t httpclient.Client) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.transport = t
		return nil
	}
}

// WithBanRegistry shares a host ban registry between clients
func WithBanRegistry(b *httpclient.BanRegistry) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.bans = b
		return nil
	}
}

// WithMonitor shares a backend health monitor between clients
func WithMonitor(m *status.Monitor) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.monitor = m
		return nil
	}
}

// WithRealtimeChannel replaces the push stream client
func WithRealtimeChannel(ch *realtime.Channel) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.channel = ch
		return nil
	}
}

// WithClock sets the clock for timestamps, bans and schedules
func WithClock(clk clock.Clock) ClientOption {
	return func(cfg *clientConfig) error {
		if clk == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		cfg.clock = clk
		return nil
	}
}

// WithPoolSize sets how many async tasks run at once
func WithPoolSize(size int) ClientOption {
	return func(cfg *clientConfig) error {
		if size <= 0 {
			return fmt.Errorf("pool size must be positive, got %d", size)
		}
		cfg.poolSize = size
		return nil
	}
}

// WithActivityCallback observes backend calls: true when one starts, false
// when it ends
func WithActivityCallback(fn func(working bool)) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.activity = fn
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for sync and
// transport metrics
func WithMeterProvider(mp metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider for sync spans
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// New builds a Client. It takes an exclusive lock on the data directory,
// so only one Client per installation can exist at a time.
func New(ctx context.Context, opts ...ClientOption) (*Client, error) {
	b, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	cfg := b.config

	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	// Release everything acquired so far when a later step fails
	var cleanup []func()
	cleanup = append(cleanup, func() { _ = lock.Unlock() })
	success := false
	defer func() {
		if success {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	c := &Client{
		config:   cfg,
		clock:    b.clock,
		flock:    lock,
		notifier: notify.New(),
		pool:     tasks.NewPool(b.poolSize),
		activity: b.activity,
	}
	cleanup = append(cleanup, c.pool.Close)

	if err := buildNetwork(c, b); err != nil {
		return nil, fmt.Errorf("failed to build network components: %w", err)
	}
	cleanup = append(cleanup, c.monitor.Stop)

	if err := buildStorage(ctx, c, b); err != nil {
		return nil, fmt.Errorf("failed to build storage components: %w", err)
	}
	cleanup = append(cleanup, func() { _ = c.store.Close() })

	if err := buildSync(c, b); err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	success = true
	slog.Info("Client initialized", "host", cfg.API.Host, "data_dir", dataDir)
	return c, nil
}

// buildNetwork builds the transport, the health monitor and the gated API
// client.
func buildNetwork(c *Client, b *clientConfig) error {
	cfg := b.config

	var transportMetrics httpclient.Metrics
	if b.meterProvider != nil {
		m, err := telemetry.NewTransportMetrics(b.meterProvider)
		if err != nil {
			return fmt.Errorf("failed to create transport metrics: %w", err)
		}
		transportMetrics = m
	}

	bans := b.bans
	if bans == nil {
		bans = httpclient.NewBanRegistry(b.clock)
	}

	raw := httpclient.New(cfg.HTTPClientConfig(),
		httpclient.WithBanRegistry(bans),
		httpclient.WithClock(b.clock),
		httpclient.WithMetrics(transportMetrics))
	c.raw = raw

	transport := b.transport
	if transport == nil {
		transport = raw
	}

	c.monitor = b.monitor
	if c.monitor == nil {
		c.monitor = status.NewMonitor(
			httpclient.NewStatusProber(raw, cfg.API.Host, ""),
			status.WithClock(b.clock))
	}

	apiOpts := []apiclient.Option{apiclient.WithActivityObserver(c.observeActivity)}
	if timeout := cfg.RequestTimeout(); timeout > 0 {
		apiOpts = append(apiOpts, apiclient.WithTimeout(timeout))
	}
	c.api = apiclient.New(transport, c.monitor, cfg.API.Host, apiOpts...)
	c.channel = b.channel
	return nil
}

// buildStorage opens the store, the token store and the sync status tracker.
func buildStorage(ctx context.Context, c *Client, b *clientConfig) error {
	cfg := b.config

	c.tokens = b.tokens
	if c.tokens == nil {
		tokens, err := credentials.New(cfg.Credentials.Backend, cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		c.tokens = tokens
	}

	c.store = b.store
	if c.store == nil {
		st, err := store.Open(ctx, cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		c.store = st
	}

	c.tracker = state.NewTracker(ctx, state.NewFilePersistence(cfg.Storage.DataDir), b.clock)
	return nil
}

// buildSync builds the sync manager sharing the client's serialization lock.
func buildSync(c *Client, b *clientConfig) error {
	syncOpts := []pkgsync.Option{
		pkgsync.WithLock(&c.mu),
		pkgsync.WithClock(b.clock),
	}

	if b.meterProvider != nil {
		syncMetrics, err := telemetry.NewSyncMetrics(b.meterProvider)
		if err != nil {
			return fmt.Errorf("failed to create sync metrics: %w", err)
		}
		if syncMetrics != nil {
			syncOpts = append(syncOpts, pkgsync.WithMetrics(syncMetrics))
			slog.Debug("Sync metrics enabled")
		}
	}
	if b.tracerProvider != nil {
		syncOpts = append(syncOpts, pkgsync.WithTracer(b.tracerProvider.Tracer(TracerName)))
	}

	c.manager = pkgsync.NewManager(c.store, c.api, c.tokens, syncOpts...)
	return nil
}
