package streamable

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	// sessionIDHeader is the MCP session header name.
	sessionIDHeader = "Mcp-Session-Id"
)

// JSON-RPC error codes used on the HTTP surface.
const (
	// CodeParseError signals a malformed JSON-RPC payload.
	CodeParseError = -32700

	// CodeInvalidRequest signals a structurally invalid request.
	CodeInvalidRequest = -32600

	// CodeMethodNotFound signals an unknown method.
	CodeMethodNotFound = -32601

	// CodeSessionNotFound is the distinguished non-standard code returned
	// when a request names a session ID the server does not know.
	CodeSessionNotFound = -32001
)

// event is a single server-sent event.
type event struct {
	name string
	id   string
	data []byte
}

// writeEvent writes one SSE event frame.
func writeEvent(w io.Writer, e event) (int, error) {
	var b strings.Builder
	if e.name != "" {
		fmt.Fprintf(&b, "event: %s\n", e.name)
	}
	if e.id != "" {
		fmt.Fprintf(&b, "id: %s\n", e.id)
	}
	fmt.Fprintf(&b, "data: %s\n\n", string(e.data))
	n, err := w.Write([]byte(b.String()))
	if err != nil {
		return n, fmt.Errorf("writing event: %w", err)
	}
	return n, nil
}

// Event IDs encode the logical stream and the message index within it as
// <stream>_<index>, enabling Last-Event-ID resumption.

func formatEventID(sid StreamID, idx int) string {
	return fmt.Sprintf("%d_%d", sid, idx)
}

func parseEventID(eventID string) (sid StreamID, idx int, ok bool) {
	parts := strings.Split(eventID, "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	stream, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || stream < 0 {
		return 0, 0, false
	}
	idx, err = strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return 0, 0, false
	}
	return StreamID(stream), idx, true
}

// errorBody is the JSON-RPC error envelope written on protocol failures.
type errorBody struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a structured JSON-RPC error body with the given HTTP
// status.
func WriteError(w http.ResponseWriter, status, code int, message string) {
	body, err := json.Marshal(errorBody{
		JSONRPC: "2.0",
		Error:   errorDetail{Code: code, Message: message},
	})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
