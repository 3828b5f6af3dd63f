package httpclient

import (
	"context"
	"time"
)

// StatusPath is the backend health endpoint
const StatusPath = "/api/v9/status"

// StatusProber checks backend health with a GET on the status endpoint. It
// talks to the raw transport so that probing is never refused by the health
// gate it feeds.
type StatusProber struct {
	transport *Transport
	host      string
	path      string
	timeout   time.Duration
}

// NewStatusProber creates a prober for host. An empty path uses StatusPath.
func NewStatusProber(transport *Transport, host, path string) *StatusProber {
	if path == "" {
		path = StatusPath
	}
	return &StatusProber{
		transport: transport,
		host:      host,
		path:      path,
		timeout:   DefaultTimeout,
	}
}

// Probe returns nil when the backend answered 2xx
func (p *StatusProber) Probe(ctx context.Context) error {
	_, err := p.transport.Get(ctx, Request{
		Host:    p.host,
		Path:    p.path,
		Timeout: p.timeout,
	})
	return err
}
