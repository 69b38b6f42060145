package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-stream-gateway/pkg/streamable"
)

// pingHandler answers every call with {"ok":true} and ignores notifications.
type pingHandler struct{}

func (pingHandler) Handle(ctx context.Context, msg jsonrpc.Message, sink streamable.Sink) (bool, error) {
	req, ok := msg.(*jsonrpc.Request)
	if !ok || !req.ID.IsValid() {
		return false, nil
	}
	return true, sink.Send(ctx, &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
}

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	if cfg.Handler == nil {
		cfg.Handler = pingHandler{}
	}
	if cfg.MaxIdleSessions == 0 {
		cfg.MaxIdleSessions = 10
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.DisposeAll() })
	return r
}

// newIdleSession creates, admits, and releases a session, leaving it idle.
func newIdleSession(t *testing.T, r *Registry) *Session {
	t.Helper()
	s, err := r.NewSession(nil)
	require.NoError(t, err)
	release, err := s.Acquire(context.Background())
	require.NoError(t, err)
	release()
	return s
}
