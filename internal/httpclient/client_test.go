package httpclient_test

import (
	"context"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/chronodesk/chronosync/internal/apierr"
	"github.com/chronodesk/chronosync/internal/httpclient"
)

// newTestServer creates a TLS test server with keep-alives disabled and
// returns it with the path of a PEM bundle trusting it.
func newTestServer(t *testing.T, handler http.Handler) (*httptest.Server, string) {
	t.Helper()

	server := httptest.NewUnstartedServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	server.StartTLS()
	t.Cleanup(server.Close)

	return server, writeCA(t, server)
}

func writeCA(t *testing.T, server *httptest.Server) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func gunzip(t *testing.T, r io.Reader) []byte {
	t.Helper()

	zr, err := gzip.NewReader(r)
	require.NoError(t, err)
	defer zr.Close()
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	return data
}

func TestTransport_Do_CompressesRequestAndInflatesResponse(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"description":"writing tests"}`)
	var (
		gotBody     []byte
		gotEncoding string
		gotAccept   string
		gotAgent    string
		gotType     string
	)

	server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotAccept = r.Header.Get("Accept-Encoding")
		gotAgent = r.Header.Get("User-Agent")
		gotType = r.Header.Get("Content-Type")
		gotBody = gunzip(t, r.Body)

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte(`{"id":42}`))
		_ = zw.Close()
	}))

	transport := httpclient.New(httpclient.Config{CACertPath: ca, AppName: "chronosync", AppVersion: "1.2.3"})
	resp, err := transport.Post(context.Background(), httpclient.Request{
		Host:    server.URL,
		Path:    "/api/v9/time_entries",
		Payload: payload,
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":42}`, string(resp.Body))
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "gzip", gotEncoding)
	assert.Equal(t, "gzip", gotAccept)
	assert.Equal(t, "chronosync/1.2.3", gotAgent)
	assert.Equal(t, "application/json", gotType)
}

func TestTransport_Do_GetSendsNoBody(t *testing.T) {
	t.Parallel()

	var gotEncoding string
	var gotLength int64
	server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotLength = r.ContentLength
		_, _ = w.Write([]byte("plain"))
	}))

	transport := httpclient.New(httpclient.Config{CACertPath: ca})
	resp, err := transport.Get(context.Background(), httpclient.Request{Host: server.URL, Path: "/api/v9/me"})

	require.NoError(t, err)
	assert.Equal(t, "plain", string(resp.Body))
	assert.Empty(t, gotEncoding)
	assert.Zero(t, gotLength)
}

func TestTransport_Do_FormBypassesCompression(t *testing.T) {
	t.Parallel()

	var (
		gotEncoding string
		gotField    string
		gotFile     []byte
	)
	server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotField = r.FormValue("desktop_id")
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotFile, _ = io.ReadAll(f)
		w.WriteHeader(http.StatusCreated)
	}))

	transport := httpclient.New(httpclient.Config{CACertPath: ca})
	resp, err := transport.Post(context.Background(), httpclient.Request{
		Host: server.URL,
		Path: "/api/v9/feedback",
		Form: &httpclient.Form{
			Fields: map[string]string{"desktop_id": "abc"},
			Files:  []httpclient.FormFile{{FieldName: "file", FileName: "log.txt", Content: []byte("log line")}},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, gotEncoding)
	assert.Equal(t, "abc", gotField)
	assert.Equal(t, []byte("log line"), gotFile)
}

func TestTransport_Do_BasicAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		wantAuth bool
	}{
		{name: "both set", username: "token", password: "api_token", wantAuth: true},
		{name: "only username", username: "token"},
		{name: "only password", password: "api_token"},
		{name: "neither"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var user, pass string
			var ok bool
			server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user, pass, ok = r.BasicAuth()
				w.WriteHeader(http.StatusOK)
			}))

			transport := httpclient.New(httpclient.Config{CACertPath: ca})
			_, err := transport.Get(context.Background(), httpclient.Request{
				Host:     server.URL,
				Path:     "/api/v9/me",
				Username: tt.username,
				Password: tt.password,
			})

			require.NoError(t, err)
			assert.Equal(t, tt.wantAuth, ok)
			if tt.wantAuth {
				assert.Equal(t, tt.username, user)
				assert.Equal(t, tt.password, pass)
			}
		})
	}
}

func TestTransport_Do_RateLimitBansHost(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	clk := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	transport := httpclient.New(httpclient.Config{CACertPath: ca},
		httpclient.WithClock(clk),
		httpclient.WithBanRegistry(httpclient.NewBanRegistry(clk)))
	req := httpclient.Request{Host: server.URL, Path: "/api/v9/me"}

	resp, err := transport.Get(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindRateLimited))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	_, err = transport.Get(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindCannotConnect))
	assert.ErrorIs(t, err, httpclient.ErrHostBanned)
	assert.Equal(t, int32(1), hits.Load(), "banned request must not reach the server")

	clk.Step(60 * time.Second)
	_, err = transport.Get(context.Background(), req)
	assert.ErrorIs(t, err, httpclient.ErrHostBanned, "host stays banned up to the deadline")

	clk.Step(time.Second)
	_, err = transport.Get(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTransport_Do_FollowsOneRedirect(t *testing.T) {
	t.Parallel()

	var targetHits atomic.Int32
	target, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetHits.Add(1)
		assert.Equal(t, "/moved/me", r.URL.Path)
		_, _ = w.Write([]byte("done"))
	}))
	origin, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+"/moved/me", http.StatusFound)
	}))

	transport := httpclient.New(httpclient.Config{CACertPath: ca})
	resp, err := transport.Get(context.Background(), httpclient.Request{Host: origin.URL, Path: "/api/v9/me"})

	require.NoError(t, err)
	assert.Equal(t, "done", string(resp.Body))
	assert.Equal(t, int32(1), targetHits.Load())
}

func TestTransport_Do_SecondRedirectIsNotFollowed(t *testing.T) {
	t.Parallel()

	var lastHits atomic.Int32
	last, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		lastHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	middle, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, last.URL+"/final", http.StatusMovedPermanently)
	}))
	origin, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, middle.URL+"/hop", http.StatusFound)
	}))

	transport := httpclient.New(httpclient.Config{CACertPath: ca})
	resp, err := transport.Get(context.Background(), httpclient.Request{Host: origin.URL, Path: "/start"})

	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindCannotConnect))
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, last.URL+"/final", string(resp.Body))
	assert.Zero(t, lastHits.Load())
}

func TestTransport_Do_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantKind    apierr.Kind
		wantMessage string
		wantBody    string
	}{
		{name: "ok", status: http.StatusOK},
		{name: "server error", status: http.StatusInternalServerError, wantKind: apierr.KindBackendDown},
		{name: "bad gateway", status: http.StatusBadGateway, wantKind: apierr.KindBackendDown},
		{name: "gone", status: http.StatusGone, wantKind: apierr.KindEndpointGone},
		{name: "not found", status: http.StatusNotFound, wantKind: apierr.KindRejected},
		{
			name:        "json error message",
			status:      http.StatusBadRequest,
			contentType: "application/json; charset=utf-8",
			body:        `{"error_message":"Project name is already taken"}`,
			wantKind:    apierr.KindRejected,
			wantMessage: "Project name is already taken",
			wantBody:    "Project name is already taken",
		},
		{
			name:        "non json body is not parsed",
			status:      http.StatusForbidden,
			contentType: "text/plain",
			body:        `{"error_message":"hidden"}`,
			wantKind:    apierr.KindRejected,
			wantMessage: "Forbidden",
			wantBody:    `{"error_message":"hidden"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			transport := httpclient.New(httpclient.Config{CACertPath: ca})
			resp, err := transport.Get(context.Background(), httpclient.Request{Host: server.URL, Path: "/x"})

			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.wantKind == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apierr.KindOf(err))
			if tt.wantMessage != "" {
				assert.Contains(t, err.Error(), tt.wantMessage)
			}
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, string(resp.Body))
			}
		})
	}
}

func TestTransport_GetFile_StretchesTimeout(t *testing.T) {
	t.Parallel()

	const timeout = 50 * time.Millisecond
	server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// slower than the plain timeout, well inside the stretched one
		select {
		case <-time.After(4 * timeout):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("archive"))
	}))

	transport := httpclient.New(httpclient.Config{CACertPath: ca})
	req := httpclient.Request{Host: server.URL, Path: "/files/report.pdf", Timeout: timeout}

	_, err := transport.Get(context.Background(), req)
	require.Error(t, err)

	resp, err := transport.GetFile(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(resp.Body))
	assert.Equal(t, 10, httpclient.FileTimeoutFactor)
}

func TestTransport_Do_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	notPEM := filepath.Join(t.TempDir(), "bundle.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))

	tests := []struct {
		name string
		cfg  httpclient.Config
		req  httpclient.Request
	}{
		{name: "missing host", cfg: httpclient.Config{CACertPath: ca}, req: httpclient.Request{Method: http.MethodGet, Path: "/x"}},
		{name: "missing method", cfg: httpclient.Config{CACertPath: ca}, req: httpclient.Request{Host: server.URL, Path: "/x"}},
		{name: "missing path", cfg: httpclient.Config{CACertPath: ca}, req: httpclient.Request{Host: server.URL, Method: http.MethodGet}},
		{name: "missing CA path", cfg: httpclient.Config{}, req: httpclient.Request{Host: server.URL, Method: http.MethodGet, Path: "/x"}},
		{name: "CA file not found", cfg: httpclient.Config{CACertPath: filepath.Join(t.TempDir(), "missing.pem")}, req: httpclient.Request{Host: server.URL, Method: http.MethodGet, Path: "/x"}},
		{name: "CA file without certificates", cfg: httpclient.Config{CACertPath: notPEM}, req: httpclient.Request{Host: server.URL, Method: http.MethodGet, Path: "/x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := httpclient.New(tt.cfg)
			resp, err := transport.Do(context.Background(), tt.req)

			assert.Nil(t, resp)
			require.Error(t, err)
			assert.True(t, apierr.IsKind(err, apierr.KindConfiguration), "got %v", err)
		})
	}

	assert.Zero(t, hits.Load())
}

func TestTransport_Do_CannotConnect(t *testing.T) {
	t.Parallel()

	server, ca := newTestServer(t, http.NotFoundHandler())
	url := server.URL
	server.Close()

	transport := httpclient.New(httpclient.Config{CACertPath: ca})
	resp, err := transport.Get(context.Background(), httpclient.Request{Host: url, Path: "/x"})

	assert.Nil(t, resp)
	assert.True(t, apierr.IsKind(err, apierr.KindCannotConnect))
}

func TestTransport_SetConfig_RebuildsClient(t *testing.T) {
	t.Parallel()

	server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("User-Agent")))
	}))

	transport := httpclient.New(httpclient.Config{CACertPath: ca, AppName: "first", AppVersion: "1"})
	resp, err := transport.Get(context.Background(), httpclient.Request{Host: server.URL, Path: "/ua"})
	require.NoError(t, err)
	assert.Equal(t, "first/1", string(resp.Body))

	transport.SetConfig(httpclient.Config{CACertPath: ca, AppName: "second", AppVersion: "2"})
	resp, err = transport.Get(context.Background(), httpclient.Request{Host: server.URL, Path: "/ua"})
	require.NoError(t, err)
	assert.Equal(t, "second/2", string(resp.Body))
}

func TestStatusProber_Probe(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	server, ca := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, httpclient.StatusPath, r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	prober := httpclient.NewStatusProber(httpclient.New(httpclient.Config{CACertPath: ca}), server.URL, "")

	err := prober.Probe(context.Background())
	assert.True(t, apierr.IsKind(err, apierr.KindBackendDown))

	healthy.Store(true)
	assert.NoError(t, prober.Probe(context.Background()))
}

func TestUserAgent_Defaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "chronosync/dev", httpclient.Config{}.UserAgent())
	assert.Equal(t, "desk/7.4", httpclient.Config{AppName: "desk", AppVersion: "7.4"}.UserAgent())
}
