package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-stream-gateway/pkg/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.AllowAnonymous = true
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Registry().DisposeAll() })
	return s
}

func TestNew_DefaultConfig(t *testing.T) {
	s := newTestServer(t)
	assert.NotNil(t, s.Registry())
	assert.NotNil(t, s.Handler())
}

func TestNew_UnknownAuditBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Audit.Backend = "bogus"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestServer_HealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Not ready until Run starts serving.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "starting")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.AllowAnonymous = true
	cfg.Metrics.Enabled = true
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Registry().DisposeAll() })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_EndpointServesInitialize(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))
	body := rec.Body.String()
	assert.Contains(t, body, protocolVersion)
	assert.Contains(t, body, serverName)
}

func TestServer_EndpointRequiresAuthWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.AllowAnonymous = false
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Registry().DisposeAll() })

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
