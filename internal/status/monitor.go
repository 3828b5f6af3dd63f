// Package status tracks backend health. A Monitor is fed the status code of
// every gated API call; 5xx responses start a background probe loop that
// refuses further calls until the backend answers its status endpoint again,
// and 410 marks the endpoint gone for the rest of the process lifetime.
package status

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/utils/clock"

	"github.com/chronodesk/chronosync/internal/apierr"
)

const (
	// FastRetryDelay is the first probe delay after a transient 5xx
	FastRetryDelay = 3 * time.Minute

	// SlowRetryDelay is the first probe delay after a plain 500
	SlowRetryDelay = 15 * time.Minute
)

// Prober checks whether the backend is reachable again.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// State is a snapshot of the monitor.
type State struct {
	// Gone is terminal: the API endpoint used by this build was retired.
	Gone bool `json:"gone"`
	// Checking means the probe loop is running and calls are refused.
	Checking bool `json:"checking"`
	// FastRetry selects the shorter probe schedule.
	FastRetry bool `json:"fastRetry"`
}

// String returns a short description of the state
func (s State) String() string {
	switch {
	case s.Gone:
		return "gone"
	case s.Checking:
		return "down"
	default:
		return "healthy"
	}
}

// Monitor is the process-wide backend health tracker. It is safe for
// concurrent use.
type Monitor struct {
	prober Prober
	clock  clock.Clock
	random func() float64
	fast   time.Duration
	slow   time.Duration

	newBackOff func(fastRetry bool) backoff.BackOff

	mu      sync.Mutex
	state   State
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock sets the clock driving probe delays
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = clk
	}
}

// WithRandom sets the source of jitter, returning values in [0, 1)
func WithRandom(fn func() float64) Option {
	return func(m *Monitor) {
		m.random = fn
	}
}

// WithDelays overrides the initial fast and slow probe delays
func WithDelays(fast, slow time.Duration) Option {
	return func(m *Monitor) {
		m.fast = fast
		m.slow = slow
	}
}

// WithBackOff replaces the probe schedule. When the schedule returns
// backoff.Stop it is reset and the slow delay is used; the loop only ends on
// success.
func WithBackOff(fn func(fastRetry bool) backoff.BackOff) Option {
	return func(m *Monitor) {
		m.newBackOff = fn
	}
}

// NewMonitor creates a healthy monitor using prober for the probe loop
func NewMonitor(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober: prober,
		clock:  clock.RealClock{},
		random: rand.Float64,
		fast:   FastRetryDelay,
		slow:   SlowRetryDelay,
	}
	m.newBackOff = func(fastRetry bool) backoff.BackOff {
		return newRetrySchedule(m.initialDelay(fastRetry), fastRetry, m.random)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the error a gated call must fail with, or nil when calls
// are allowed.
func (m *Monitor) Status() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state.Gone:
		return apierr.ErrEndpointGone
	case m.state.Checking:
		return apierr.ErrBackendDown
	default:
		return nil
	}
}

// State returns a snapshot of the monitor
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UpdateStatus feeds the status code of a completed call.
func (m *Monitor) UpdateStatus(code int) {
	switch {
	case code == http.StatusGone:
		m.markGone()
	case code >= 500 && code < 600:
		m.startChecking(code != http.StatusInternalServerError)
	}
}

func (m *Monitor) markGone() {
	m.mu.Lock()
	if m.state.Gone {
		m.mu.Unlock()
		return
	}
	slog.Error("Backend endpoint is gone, refusing further requests")
	m.state.Gone = true
	m.state.Checking = false
	m.state.FastRetry = false
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) startChecking(fastRetry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.state.Gone || m.state.Checking {
		return
	}

	m.state.Checking = true
	m.state.FastRetry = fastRetry

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	schedule := m.newBackOff(fastRetry)
	slog.Warn("Backend is down, starting status checks", "fast_retry", fastRetry)

	go m.run(ctx, done, schedule)
}

func (m *Monitor) initialDelay(fastRetry bool) time.Duration {
	if fastRetry {
		return m.fast
	}
	return m.slow
}

func (m *Monitor) run(ctx context.Context, done chan struct{}, schedule backoff.BackOff) {
	defer close(done)

	for {
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			schedule.Reset()
			delay = m.slow
		}
		slog.Debug("Waiting before next status check", "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}

		err := m.prober.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Info("Backend status check failed", "error", err)
			continue
		}

		m.finishChecking(done)
		return
	}
}

// finishChecking clears the checking state if the loop identified by done is
// still the current one.
func (m *Monitor) finishChecking(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != done {
		return
	}
	slog.Info("Backend is reachable again")
	m.state.Checking = false
	m.cancel, m.done = nil, nil
}

// Stop cancels the probe loop and waits for it to exit. A stopped monitor
// keeps Gone but never starts another probe loop; a stopped Checking monitor
// becomes healthy.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.state.Checking = false
	m.state.FastRetry = false
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
