package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/chronodesk/chronosync/internal/config"
)

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("coordinator already started")

// Syncer runs one synchronization round
//
//go:generate mockgen -destination=mocks/mock_syncer.go -package=mocks -source=coordinator.go Syncer
type Syncer interface {
	Sync(ctx context.Context, full bool) error
}

// Coordinator schedules background synchronization
type Coordinator interface {
	// Start runs an initial full sync, then incremental syncs on a jittered
	// interval. Blocks until the context is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator and waits for the loop to exit
	Stop() error
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	syncer   Syncer
	interval time.Duration
	jitter   time.Duration
	clock    clock.Clock
	random   func(n int64) int64

	// Lifecycle management
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithClock sets the clock driving the interval timer
func WithClock(clk clock.Clock) Option {
	return func(c *defaultCoordinator) {
		c.clock = clk
	}
}

// WithRandom replaces the jitter source. random(n) must return a value in [0, n).
func WithRandom(random func(n int64) int64) Option {
	return func(c *defaultCoordinator) {
		c.random = random
	}
}

// New creates a new coordinator with injected dependencies
func New(syncer Syncer, cfg *config.SyncConfig, opts ...Option) Coordinator {
	interval := getSyncInterval(cfg)
	c := &defaultCoordinator{
		syncer:   syncer,
		interval: interval,
		jitter:   getSyncJitter(cfg, interval),
		clock:    clock.RealClock{},
		//nolint:gosec // G404: Non-cryptographic randomness is sufficient for sync jitter
		random: rand.Int64N,
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// nextInterval returns the interval with a random offset in [-jitter, +jitter).
func (c *defaultCoordinator) nextInterval() time.Duration {
	if c.jitter <= 0 {
		return c.interval
	}
	offset := time.Duration(c.random(int64(2*c.jitter))) - c.jitter
	return c.interval + offset
}

// Start implements Coordinator
func (c *defaultCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.mu.Unlock()

	slog.Info("Starting background sync coordinator",
		"interval", c.interval,
		"jitter", c.jitter)
	defer func() {
		close(c.done)
		slog.Info("Background sync coordinator shutting down")
	}()

	c.runSync(coordCtx, true)

	timer := c.clock.NewTimer(c.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C():
			c.runSync(coordCtx, false)
			timer.Reset(c.nextInterval())
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop implements Coordinator
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync coordinator")
		cancel()
		<-c.done
	}
	return nil
}

// runSync performs one round. Failures are logged; the next tick retries.
func (c *defaultCoordinator) runSync(ctx context.Context, full bool) {
	if ctx.Err() != nil {
		return
	}
	started := c.clock.Now()
	if err := c.syncer.Sync(ctx, full); err != nil {
		slog.Warn("Background sync failed",
			"full", full,
			"error", err)
		return
	}
	slog.Debug("Background sync completed",
		"full", full,
		"duration", c.clock.Since(started))
}
