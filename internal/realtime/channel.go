// Package realtime keeps a websocket connection to the backend push stream
// and hands every entity update to a caller-supplied handler. Updates are
// delivered one at a time on the connection goroutine, so a reconnect never
// overlaps a merge that is still running.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tidwall/gjson"
	"k8s.io/utils/clock"

	"github.com/chronodesk/chronosync/internal/apierr"
)

const (
	// MaxMessageSize bounds a single inbound message
	MaxMessageSize = 1 << 20

	// DefaultHandshakeTimeout bounds dialing and authentication
	DefaultHandshakeTimeout = 30 * time.Second
)

// Control message types
const (
	TypeAuthenticate = "authenticate"
	TypePing         = "ping"
	TypePong         = "pong"
)

// ErrAlreadyStarted is returned by Start while a connection loop is running
var ErrAlreadyStarted = errors.New("realtime channel already started")

// Handler receives one update message. Errors are logged and the
// connection stays up.
type Handler func(ctx context.Context, payload []byte) error

type controlMessage struct {
	Type     string `json:"type"`
	APIToken string `json:"api_token,omitempty"`
}

// Channel is a reconnecting push stream client. It is safe for concurrent use.
type Channel struct {
	url        string
	httpClient *http.Client
	header     http.Header
	clock      clock.Clock
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Channel
type Option func(*Channel)

// WithHTTPClient sets the client used for the upgrade request
func WithHTTPClient(client *http.Client) Option {
	return func(c *Channel) {
		c.httpClient = client
	}
}

// WithUserAgent sets the User-Agent of the upgrade request
func WithUserAgent(ua string) Option {
	return func(c *Channel) {
		c.header.Set("User-Agent", ua)
	}
}

// WithClock sets the clock used for reconnect delays
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) {
		c.clock = clk
	}
}

// WithBackOff sets the reconnect schedule factory. A schedule returning
// backoff.Stop ends the loop.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Channel) {
		c.newBackOff = fn
	}
}

// New creates a stopped channel for the given ws(s) URL
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:        url,
		header:     make(http.Header),
		clock:      clock.RealClock{},
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	return b
}

// Start launches the connection loop authenticated with token. It returns
// once the loop is running; connection errors are retried in the background.
func (c *Channel) Start(token string, onMessage Handler) error {
	if token == "" {
		return apierr.ErrNotAuthenticated
	}
	if onMessage == nil {
		return apierr.New(apierr.KindConfiguration, "realtime message handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	slog.Info("Starting realtime channel", "url", c.url)
	go c.run(ctx, done, token, onMessage)
	return nil
}

// Stop closes the connection and waits for the loop to exit. It is safe to
// call when the channel is not running.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("Realtime channel stopped")
}

// Running reports whether the connection loop is active
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}, token string, onMessage Handler) {
	defer close(done)
	defer c.release(done)

	schedule := c.newBackOff()
	for {
		connected, err := c.session(ctx, token, onMessage)
		if ctx.Err() != nil {
			return
		}
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			slog.Error("Realtime authentication rejected, giving up", "error", err)
			return
		}
		if connected {
			schedule.Reset()
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			slog.Error("Realtime reconnect attempts exhausted", "error", err)
			return
		}
		slog.Warn("Realtime connection lost, reconnecting", "error", err, "retry_in", wait)

		timer := c.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// release clears the running state when the loop exits on its own, so that
// Start may be called again.
func (c *Channel) release(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == done {
		c.cancel()
		c.cancel, c.done = nil, nil
	}
}

// session runs one connection until it drops. connected reports whether the
// handshake completed.
func (c *Channel) session(ctx context.Context, token string, onMessage Handler) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.header,
	})
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(MaxMessageSize)

	if err := wsjson.Write(dialCtx, conn, controlMessage{Type: TypeAuthenticate, APIToken: token}); err != nil {
		return false, fmt.Errorf("failed to authenticate: %w", err)
	}
	slog.Debug("Realtime channel connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return true, err
		}

		if gjson.GetBytes(data, "type").String() == TypePing {
			if err := wsjson.Write(ctx, conn, controlMessage{Type: TypePong}); err != nil {
				return true, fmt.Errorf("failed to answer ping: %w", err)
			}
			continue
		}

		if err := onMessage(ctx, data); err != nil {
			slog.Error("Failed to apply realtime update", "error", err)
		}
	}
}
