// Package httpclient implements the resilient HTTPS transport used for all
// backend calls: request compression, basic credentials, a single redirect
// hop, gzip response decoding, per-host rate-limit bans and status
// classification.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second

	// FileTimeoutFactor stretches the timeout of file downloads
	FileTimeoutFactor = 10

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// BanDuration is how long a host is refused after answering 429
	BanDuration = 60 * time.Second
)

// ErrHostBanned is wrapped by errors returned for requests to a host that
// recently answered 429.
var ErrHostBanned = errors.New("too many requests to host, retry later")

// Request describes one HTTP call.
type Request struct {
	// Host is the scheme and authority, e.g. https://api.example.com
	Host   string
	Method string
	// Path is the request path including any query string
	Path    string
	Payload []byte
	// Form, when set, is sent as multipart/form-data and Payload is ignored.
	Form     *Form
	Timeout  time.Duration
	Username string
	Password string
}

// URL returns the absolute request URL
func (r Request) URL() string {
	return r.Host + r.Path
}

// Form is a multipart form body.
type Form struct {
	Fields map[string]string
	Files  []FormFile
}

// FormFile is one file part of a multipart form.
type FormFile struct {
	FieldName string
	FileName  string
	Content   []byte
}

// Response is the decoded result of a request. Body is inflated when the
// server sent gzip; for an unresolved redirect it holds the decoded Location.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Client is the transport contract consumed by the gated API client.
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=types.go Client
type Client interface {
	// Do performs the request. The response is returned whenever the server
	// answered, even if the returned error is non-nil.
	Do(ctx context.Context, req Request) (*Response, error)
}

// Metrics receives per-response observations.
type Metrics interface {
	RecordResponse(ctx context.Context, host string, statusCode int, duration time.Duration)
	RecordBan(ctx context.Context, host string)
}

// ProxyConfig configures outbound proxying.
type ProxyConfig struct {
	// UseSystem takes the proxy from HTTPS_PROXY / HTTP_PROXY / NO_PROXY
	UseSystem bool   `yaml:"useSystem"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Enabled reports whether any proxy is configured
func (p ProxyConfig) Enabled() bool {
	return p.UseSystem || p.Host != ""
}

// Config is the process-wide transport configuration.
type Config struct {
	// CACertPath is the PEM bundle used as trust root. Required.
	CACertPath string
	// IgnoreCert disables server certificate verification
	IgnoreCert bool
	Proxy      ProxyConfig
	AppName    string
	AppVersion string
}

// UserAgent returns the User-Agent header value
func (c Config) UserAgent() string {
	name := c.AppName
	if name == "" {
		name = "chronosync"
	}
	version := c.AppVersion
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("%s/%s", name, version)
}
