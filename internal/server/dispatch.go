package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/txn2/mcp-stream-gateway/pkg/streamable"
)

// protocolVersion is the MCP protocol revision the gateway speaks.
const protocolVersion = "2025-06-18"

// coreHandler answers the protocol-level methods every MCP server must
// implement. Everything else gets a method-not-found error so clients fail
// fast instead of hanging on an unanswered request.
type coreHandler struct {
	name    string
	version string
}

var _ streamable.Handler = (*coreHandler)(nil)

func newCoreHandler(name, version string) *coreHandler {
	return &coreHandler{name: name, version: version}
}

// Handle dispatches one decoded message. It reports whether a response was
// written for the message.
func (h *coreHandler) Handle(ctx context.Context, msg jsonrpc.Message, sink streamable.Sink) (bool, error) {
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		// Client-originated responses have no server-side request awaiting
		// them here; drop them.
		return false, nil
	}
	if !req.ID.IsValid() {
		// Notifications get no reply.
		return false, nil
	}

	switch req.Method {
	case "initialize":
		result := map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"serverInfo": map[string]any{
				"name":    h.name,
				"version": h.version,
			},
		}
		return true, h.respond(ctx, sink, req, result)
	case "ping":
		return true, h.respond(ctx, sink, req, map[string]any{})
	default:
		return true, h.respondError(ctx, sink, req, streamable.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *coreHandler) respond(ctx context.Context, sink streamable.Sink, req *jsonrpc.Request, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result for %s: %w", req.Method, err)
	}
	return sink.Send(ctx, &jsonrpc.Response{ID: req.ID, Result: raw})
}

// respondError builds the error response as raw JSON and decodes it back
// into a message, since the SDK does not export a wire-error constructor.
func (h *coreHandler) respondError(ctx context.Context, sink streamable.Sink, req *jsonrpc.Request, code int, message string) error {
	id, err := json.Marshal(req.ID.Raw())
	if err != nil {
		return fmt.Errorf("encoding request id: %w", err)
	}
	text, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding error message: %w", err)
	}
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%s}}`, id, code, text)
	msg, err := jsonrpc.DecodeMessage([]byte(body))
	if err != nil {
		return fmt.Errorf("building error response: %w", err)
	}
	return sink.Send(ctx, msg)
}
