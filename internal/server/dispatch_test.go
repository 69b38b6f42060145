package server

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records every message the handler emits.
type captureSink struct {
	sent []jsonrpc.Message
}

func (s *captureSink) Send(_ context.Context, msg jsonrpc.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func decodeMessage(t *testing.T, raw string) jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.DecodeMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestCoreHandler_Initialize(t *testing.T) {
	h := newCoreHandler(serverName, "test")
	sink := &captureSink{}

	replied, err := h.Handle(context.Background(),
		decodeMessage(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`), sink)
	require.NoError(t, err)
	assert.True(t, replied)
	require.Len(t, sink.sent, 1)

	resp, ok := sink.sent[0].(*jsonrpc.Response)
	require.True(t, ok)
	assert.Contains(t, string(resp.Result), protocolVersion)
	assert.Contains(t, string(resp.Result), serverName)
}

func TestCoreHandler_Ping(t *testing.T) {
	h := newCoreHandler(serverName, "test")
	sink := &captureSink{}

	replied, err := h.Handle(context.Background(),
		decodeMessage(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`), sink)
	require.NoError(t, err)
	assert.True(t, replied)
	require.Len(t, sink.sent, 1)

	resp, ok := sink.sent[0].(*jsonrpc.Response)
	require.True(t, ok)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestCoreHandler_UnknownMethod(t *testing.T) {
	h := newCoreHandler(serverName, "test")
	sink := &captureSink{}

	replied, err := h.Handle(context.Background(),
		decodeMessage(t, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`), sink)
	require.NoError(t, err)
	assert.True(t, replied)
	require.Len(t, sink.sent, 1)

	resp, ok := sink.sent[0].(*jsonrpc.Response)
	require.True(t, ok)
	require.Error(t, resp.Error)
	assert.Contains(t, resp.Error.Error(), "tools/list")
}

func TestCoreHandler_NotificationGetsNoReply(t *testing.T) {
	h := newCoreHandler(serverName, "test")
	sink := &captureSink{}

	replied, err := h.Handle(context.Background(),
		decodeMessage(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`), sink)
	require.NoError(t, err)
	assert.False(t, replied)
	assert.Empty(t, sink.sent)
}
