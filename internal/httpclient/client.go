package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http/httpproxy"
	"k8s.io/utils/clock"

	"github.com/chronodesk/chronosync/internal/apierr"
)

// Transport is the resilient HTTPS transport. The zero value is not usable;
// create one with New.
type Transport struct {
	mu     sync.Mutex
	cfg    Config
	client *http.Client

	bans    *BanRegistry
	clock   clock.PassiveClock
	metrics Metrics
}

// Option configures a Transport
type Option func(*Transport)

// WithBanRegistry shares a ban registry between transports
func WithBanRegistry(b *BanRegistry) Option {
	return func(t *Transport) {
		t.bans = b
	}
}

// WithClock sets the clock used for request timing
func WithClock(clk clock.PassiveClock) Option {
	return func(t *Transport) {
		t.clock = clk
	}
}

// WithMetrics records per-response metrics
func WithMetrics(m Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// New creates a transport with the given configuration
func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{cfg: cfg}
	for _, opt := range opts {
		opt(t)
	}
	if t.clock == nil {
		t.clock = clock.RealClock{}
	}
	if t.bans == nil {
		t.bans = NewBanRegistry(t.clock)
	}
	return t
}

// Bans returns the registry consulted before each request
func (t *Transport) Bans() *BanRegistry {
	return t.bans
}

// SetConfig replaces the configuration. The underlying HTTP client is rebuilt
// on the next request.
func (t *Transport) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	t.client = nil
}

// Config returns the current configuration
func (t *Transport) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Get performs a GET request
func (t *Transport) Get(ctx context.Context, req Request) (*Response, error) {
	req.Method = http.MethodGet
	return t.Do(ctx, req)
}

// GetFile performs a GET request with a stretched timeout
func (t *Transport) GetFile(ctx context.Context, req Request) (*Response, error) {
	req.Method = http.MethodGet
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	req.Timeout = timeout * FileTimeoutFactor
	return t.Do(ctx, req)
}

// Post performs a POST request
func (t *Transport) Post(ctx context.Context, req Request) (*Response, error) {
	req.Method = http.MethodPost
	return t.Do(ctx, req)
}

// Put performs a PUT request
func (t *Transport) Put(ctx context.Context, req Request) (*Response, error) {
	req.Method = http.MethodPut
	return t.Do(ctx, req)
}

// Delete performs a DELETE request
func (t *Transport) Delete(ctx context.Context, req Request) (*Response, error) {
	req.Method = http.MethodDelete
	return t.Do(ctx, req)
}

// Do performs the request, following at most one redirect. The response is
// non-nil whenever the server answered; the error is then the classification
// of its status code.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	resp, err := t.do(ctx, req)
	if err != nil || !isRedirect(resp.StatusCode) || len(resp.Body) == 0 {
		return resp, err
	}

	target, parseErr := url.Parse(string(resp.Body))
	if parseErr != nil {
		return resp, classify(resp, nil)
	}
	if base, err := url.Parse(req.URL()); err == nil {
		target = base.ResolveReference(target)
	}
	if target.Host == "" {
		return resp, classify(resp, nil)
	}

	req.Host = target.Scheme + "://" + target.Host
	req.Path = target.RequestURI()
	slog.Debug("Following redirect", "host", req.Host, "path", req.Path)

	resp, err = t.do(ctx, req)
	if err != nil {
		return resp, err
	}
	return resp, classify(resp, nil)
}

// do performs a single round trip without following redirects. It returns a
// nil error for any response the server produced; Do classifies it.
func (t *Transport) do(ctx context.Context, req Request) (*Response, error) {
	if t.bans.Banned(req.Host) {
		slog.Warn("Cannot connect, too many requests to host", "host", req.Host)
		return nil, apierr.Wrap(apierr.KindCannotConnect, ErrHostBanned, "")
	}

	if err := t.validate(req); err != nil {
		return nil, err
	}

	client, err := t.httpClient()
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := t.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, err, "failed to create request")
	}

	slog.Debug("Sending request", "method", req.Method, "host", req.Host, "path", req.Path)
	started := t.clock.Now()

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCannotConnect, err, "")
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
	}

	if t.metrics != nil {
		t.metrics.RecordResponse(ctx, req.Host, resp.StatusCode, t.clock.Since(started))
	}

	slog.Debug("Received response",
		"status", resp.StatusCode,
		"content_length", httpResp.ContentLength,
		"content_type", httpResp.Header.Get("Content-Type"),
		"content_encoding", httpResp.Header.Get("Content-Encoding"),
		"request_id", httpResp.Header.Get("X-Request-Id"))

	location := httpResp.Header.Get("Location")
	switch {
	case isRedirect(resp.StatusCode) && location != "":
		decoded, err := url.PathUnescape(location)
		if err != nil {
			decoded = location
		}
		resp.Body = []byte(decoded)
	default:
		body, err := readBody(httpResp)
		if err != nil {
			return resp, apierr.Wrap(apierr.KindCannotConnect, err, "failed to read response body")
		}
		resp.Body = body
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		until := t.bans.Ban(req.Host, BanDuration)
		if t.metrics != nil {
			t.metrics.RecordBan(ctx, req.Host)
		}
		slog.Warn("Server indicated too many requests",
			"host", req.Host,
			"banned_until", until.Format(time.RFC3339))
	}

	if isRedirect(resp.StatusCode) && location != "" {
		return resp, nil
	}
	return resp, classify(resp, httpResp.Header)
}

func (t *Transport) validate(req Request) error {
	var missing []string
	if req.Host == "" {
		missing = append(missing, "host")
	}
	if req.Method == "" {
		missing = append(missing, "method")
	}
	if req.Path == "" {
		missing = append(missing, "path")
	}
	if t.Config().CACertPath == "" {
		missing = append(missing, "CA certificate path")
	}
	if len(missing) > 0 {
		return apierr.New(apierr.KindConfiguration, "missing "+strings.Join(missing, ", "))
	}
	return nil
}

func (t *Transport) newHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	cfg := t.Config()

	var (
		body        io.Reader
		contentType string
		gzipped     bool
	)

	switch {
	case req.Form != nil:
		buf, ct, err := encodeForm(req.Form)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	case req.Method != http.MethodGet:
		buf, err := compress(req.Payload)
		if err != nil {
			return nil, err
		}
		body, gzipped = buf, true
		if len(req.Payload) > 0 {
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL(), body)
	if err != nil {
		return nil, err
	}

	httpReq.Close = true
	httpReq.Header.Set("User-Agent", cfg.UserAgent())
	httpReq.Header.Set("Accept-Encoding", "gzip")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if gzipped {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}
	if req.Username != "" && req.Password != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}
	return httpReq, nil
}

// httpClient returns the cached client, building it from the current
// configuration when needed.
func (t *Transport) httpClient() (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	base, err := t.baseTransport()
	if err != nil {
		return nil, err
	}

	t.client = &http.Client{
		Transport: otelhttp.NewTransport(base),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return t.client, nil
}

// StreamClient returns a client for long-lived upgraded connections. It
// shares trust roots and proxy settings with the request client but has no
// response timeout and no instrumentation wrapper around the body.
func (t *Transport) StreamClient() (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base, err := t.baseTransport()
	if err != nil {
		return nil, err
	}
	base.ResponseHeaderTimeout = 0
	return &http.Client{Transport: base}, nil
}

// baseTransport must be called with t.mu held.
func (t *Transport) baseTransport() (*http.Transport, error) {
	pem, err := os.ReadFile(t.cfg.CACertPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, err, "failed to read CA certificates")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, apierr.New(apierr.KindConfiguration,
			fmt.Sprintf("no certificates found in %s", t.cfg.CACertPath))
	}

	return &http.Transport{
		Proxy: proxyFunc(t.cfg.Proxy),
		TLSClientConfig: &tls.Config{
			RootCAs:            pool,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: t.cfg.IgnoreCert, //nolint:gosec // user opt-in
		},
		DisableKeepAlives:     true,
		DisableCompression:    true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: DefaultTimeout,
	}, nil
}

func proxyFunc(p ProxyConfig) func(*http.Request) (*url.URL, error) {
	switch {
	case p.UseSystem:
		fn := httpproxy.FromEnvironment().ProxyFunc()
		return func(r *http.Request) (*url.URL, error) {
			return fn(r.URL)
		}
	case p.Host != "":
		u := &url.URL{Scheme: "http", Host: p.Host}
		if p.Port > 0 {
			u.Host = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
		}
		if p.Username != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		}
		return http.ProxyURL(u)
	default:
		return nil
	}
}

func compress(payload []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress request: %w", err)
	}
	return &buf, nil
}

func encodeForm(form *Form) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range form.Fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}
	for _, f := range form.Files {
		part, err := mw.CreateFormFile(f.FieldName, f.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file %s: %w", f.FileName, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", fmt.Errorf("failed to write form file %s: %w", f.FileName, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to inflate response: %w", err)
		}
		defer func() {
			_ = zr.Close()
		}()
		r = zr
	}

	body, err := io.ReadAll(io.LimitReader(r, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// classify maps the response status to the error taxonomy. A JSON
// error_message replaces the response body.
func classify(resp *Response, header http.Header) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if header == nil {
		header = resp.Header
	}
	var message string
	if strings.Contains(header.Get("Content-Type"), "application/json") && gjson.ValidBytes(resp.Body) {
		message = gjson.GetBytes(resp.Body, "error_message").String()
	}
	if message != "" {
		resp.Body = []byte(message)
	}
	return apierr.FromStatus(resp.StatusCode, message)
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}
