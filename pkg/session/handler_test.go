package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-stream-gateway/pkg/auth"
)

const handlerTestInit = `{"jsonrpc":"2.0","id":1,"method":"initialize"}`

func newTestHandler(t *testing.T, cfg RegistryConfig) (*Handler, *Registry) {
	t.Helper()
	r := newTestRegistry(t, cfg)
	return NewHandler(r), r
}

func doPOST(h *Handler, sessionID, body string, identity *auth.Identity) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doGET(h *Handler, sessionID string, identity *auth.Identity) *httptest.ResponseRecorder {
	// A cancelled context makes the stream return once queued events drain.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doDELETE(h *Handler, sessionID string, identity *auth.Identity) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_POSTCreatesSession(t *testing.T) {
	h, r := newTestHandler(t, RegistryConfig{})

	rec := doPOST(h, "", handlerTestInit, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	id := rec.Header().Get(sessionIDHeader)
	require.NotEmpty(t, id)
	assert.Contains(t, rec.Body.String(), `"ok":true`)

	_, ok := r.Get(id)
	assert.True(t, ok)
	assert.Equal(t, int64(1), r.IdleCount(), "session idles once the request completes")
}

func TestHandler_POSTReusesSession(t *testing.T) {
	h, _ := newTestHandler(t, RegistryConfig{})

	id := doPOST(h, "", handlerTestInit, nil).Header().Get(sessionIDHeader)
	require.NotEmpty(t, id)

	rec := doPOST(h, id, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, rec.Header().Get(sessionIDHeader))
}

func TestHandler_POSTUnknownSession(t *testing.T) {
	h, _ := newTestHandler(t, RegistryConfig{})

	rec := doPOST(h, "no-such-session", handlerTestInit, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "-32001")
}

func TestHandler_POSTRequiresBothAcceptTypes(t *testing.T) {
	h, _ := newTestHandler(t, RegistryConfig{})

	for _, accept := range []string{"application/json", "text/event-stream", "text/html"} {
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(handlerTestInit))
		req.Header.Set("Accept", accept)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotAcceptable, rec.Code, "Accept: %s", accept)
	}
}

func TestHandler_GETRequiresSessionHeader(t *testing.T) {
	h, _ := newTestHandler(t, RegistryConfig{})

	rec := doGET(h, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_GETUnknownSession(t *testing.T) {
	h, _ := newTestHandler(t, RegistryConfig{})

	rec := doGET(h, "no-such-session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "-32001")
}

func TestHandler_GETStreamIsSingleUse(t *testing.T) {
	h, _ := newTestHandler(t, RegistryConfig{})
	id := doPOST(h, "", handlerTestInit, nil).Header().Get(sessionIDHeader)
	require.NotEmpty(t, id)

	first := doGET(h, id, nil)
	assert.Equal(t, http.StatusNoContent, first.Code, "empty stream ends cleanly")

	// The claim is one-shot for the session's life, even after the first
	// stream ended.
	second := doGET(h, id, nil)
	assert.Equal(t, http.StatusBadRequest, second.Code)
}

func TestHandler_OwnershipEnforced(t *testing.T) {
	alice := &auth.Identity{ClaimType: "sub", Value: "alice", Issuer: "test"}
	bob := &auth.Identity{ClaimType: "sub", Value: "bob", Issuer: "test"}

	h, _ := newTestHandler(t, RegistryConfig{})
	id := doPOST(h, "", handlerTestInit, alice).Header().Get(sessionIDHeader)
	require.NotEmpty(t, id)

	assert.Equal(t, http.StatusForbidden, doPOST(h, id, handlerTestInit, bob).Code)
	assert.Equal(t, http.StatusForbidden, doGET(h, id, bob).Code)
	assert.Equal(t, http.StatusForbidden, doDELETE(h, id, bob).Code)
	assert.Equal(t, http.StatusForbidden, doPOST(h, id, handlerTestInit, nil).Code, "anonymous cannot use an owned session")

	assert.Equal(t, http.StatusOK, doPOST(h, id, handlerTestInit, alice).Code)
}

func TestHandler_AnonymousSessionAcceptsAnyCaller(t *testing.T) {
	alice := &auth.Identity{ClaimType: "sub", Value: "alice", Issuer: "test"}

	h, _ := newTestHandler(t, RegistryConfig{})
	id := doPOST(h, "", handlerTestInit, nil).Header().Get(sessionIDHeader)
	require.NotEmpty(t, id)

	assert.Equal(t, http.StatusOK, doPOST(h, id, handlerTestInit, alice).Code)
}

func TestHandler_DELETE(t *testing.T) {
	h, r := newTestHandler(t, RegistryConfig{})
	id := doPOST(h, "", handlerTestInit, nil).Header().Get(sessionIDHeader)
	require.NotEmpty(t, id)

	assert.Equal(t, http.StatusBadRequest, doDELETE(h, "", nil).Code)

	assert.Equal(t, http.StatusNoContent, doDELETE(h, id, nil).Code)
	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.Equal(t, int64(0), r.IdleCount())

	// Deleting an absent session still succeeds.
	assert.Equal(t, http.StatusNoContent, doDELETE(h, id, nil).Code)

	rec := doPOST(h, id, handlerTestInit, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, RegistryConfig{})

	req := httptest.NewRequest(http.MethodPut, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, GET, DELETE", rec.Header().Get("Allow"))
}

func TestHandler_StatelessOneShot(t *testing.T) {
	h, r := newTestHandler(t, RegistryConfig{Stateless: true})

	rec := doPOST(h, "", handlerTestInit, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	id := rec.Header().Get(sessionIDHeader)
	require.NotEmpty(t, id)

	// One-shot sessions are never registered.
	_, ok := r.Get(id)
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, doPOST(h, id, handlerTestInit, nil).Code)
}

func TestAccepts(t *testing.T) {
	mk := func(accept string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		return req
	}

	assert.True(t, accepts(mk(""), "application/json"))
	assert.True(t, accepts(mk("*/*"), "application/json"))
	assert.True(t, accepts(mk("application/*"), "application/json"))
	assert.True(t, accepts(mk("application/json, text/event-stream"), "text/event-stream"))
	assert.True(t, accepts(mk("text/event-stream;q=0.9"), "text/event-stream"))
	assert.False(t, accepts(mk("text/html"), "application/json"))
}
