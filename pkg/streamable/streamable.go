// Package streamable implements the server side of the MCP streamable HTTP
// transport. A ServerTransport multiplexes JSON-RPC messages for one session:
// incoming messages flow through a channel to the session's server loop, and
// outgoing messages are routed to the HTTP response that carried the request
// they answer, or to the session's long-lived GET stream.
package streamable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const incomingBuffer = 10

// StreamID identifies a logical output stream within a session. Stream 0 is
// the session's long-lived GET stream; each POST gets a fresh stream.
type StreamID int64

// Sink accepts outgoing messages from a message handler.
type Sink interface {
	Send(ctx context.Context, msg jsonrpc.Message) error
}

// Handler is the message-dispatch collaborator. Handle processes one decoded
// message and may write responses or notifications to the sink. It reports
// whether it wrote a response for the message.
type Handler interface {
	Handle(ctx context.Context, msg jsonrpc.Message, sink Sink) (bool, error)
}

// streamMsg is an outgoing message with its SSE event framing.
type streamMsg struct {
	data  []byte
	event event
}

// ServerTransport multiplexes the streamable HTTP transport for one session.
// It is safe for concurrent use by multiple HTTP request goroutines and the
// session's server loop.
type ServerTransport struct {
	id         string
	incoming   chan jsonrpc.Message
	nextStream atomic.Int64

	mu     sync.Mutex
	isDone bool
	done   chan struct{}

	// outgoing holds undelivered messages per logical stream.
	outgoing map[StreamID][]*streamMsg

	// signals wakes the HTTP request currently draining a stream. At most one
	// request serves a stream at a time.
	signals map[StreamID]chan struct{}

	// requestStreams routes a response to the stream that carried its request.
	requestStreams map[jsonrpc.ID]StreamID

	// streamRequests tracks unanswered requests per stream; a POST stream
	// terminates once its requests are all answered and delivered.
	streamRequests map[StreamID]map[jsonrpc.ID]struct{}
}

// NewServerTransport creates a transport for the given session ID.
func NewServerTransport(sessionID string) *ServerTransport {
	return &ServerTransport{
		id:             sessionID,
		incoming:       make(chan jsonrpc.Message, incomingBuffer),
		done:           make(chan struct{}),
		outgoing:       make(map[StreamID][]*streamMsg),
		signals:        make(map[StreamID]chan struct{}),
		requestStreams: make(map[jsonrpc.ID]StreamID),
		streamRequests: make(map[StreamID]map[jsonrpc.ID]struct{}),
	}
}

// SessionID returns the session ID this transport serves.
func (t *ServerTransport) SessionID() string {
	return t.id
}

// Done returns a channel closed when the transport is closed.
func (t *ServerTransport) Done() <-chan struct{} {
	return t.done
}

// Read returns the next incoming message. It returns io.EOF once the
// transport is closed.
func (t *ServerTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-t.incoming:
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	}
}

// requestKey carries the incoming request ID through the handler context so
// notifications emitted while handling a request land on that request's
// stream.
type requestKey struct{}

// Serve is the session's server loop: it consumes incoming messages and
// dispatches each to the handler until the transport closes or the context
// is cancelled. Handler failures terminate the loop and are returned.
func (t *ServerTransport) Serve(ctx context.Context, h Handler) error {
	for {
		msg, err := t.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		hctx := ctx
		if req, ok := msg.(*jsonrpc.Request); ok && req.ID.IsValid() {
			hctx = context.WithValue(ctx, requestKey{}, req.ID)
		}
		if _, err := h.Handle(hctx, msg, t); err != nil {
			return fmt.Errorf("handling message: %w", err)
		}
	}
}

// Send queues an outgoing message. Responses are routed to the stream that
// carried the matching request; other messages go to the stream of the
// request being handled, or to the GET stream when there is none.
func (t *ServerTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	var forRequest, replyTo jsonrpc.ID
	if resp, ok := msg.(*jsonrpc.Response); ok {
		forRequest = resp.ID
		replyTo = resp.ID
	} else if v := ctx.Value(requestKey{}); v != nil {
		forRequest = v.(jsonrpc.ID)
	}

	var sid StreamID
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone {
		return fmt.Errorf("session %s: transport closed", t.id)
	}

	if forRequest.IsValid() {
		sid = t.requestStreams[forRequest]
	}
	if _, ok := t.streamRequests[sid]; !ok && sid != 0 {
		// The stream already answered all of its requests; deliver on the GET
		// stream rather than dropping the message.
		sid = 0
	}

	idx := len(t.outgoing[sid])
	t.outgoing[sid] = append(t.outgoing[sid], &streamMsg{
		data: data,
		event: event{
			name: "message",
			id:   formatEventID(sid, idx),
			data: data,
		},
	})

	if replyTo.IsValid() {
		delete(t.requestStreams, replyTo)
		delete(t.streamRequests[sid], replyTo)
		if len(t.streamRequests[sid]) == 0 {
			delete(t.streamRequests, sid)
		}
	}

	if c, ok := t.signals[sid]; ok {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close closes the transport, unblocking the server loop and any streaming
// HTTP requests. It is idempotent and safe for concurrent use.
func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
	}
	return nil
}

// ServePOST reads one JSON-RPC message from the request body, forwards it to
// the server loop, and answers with a single JSON body, an SSE stream, or a
// bare 202 Accepted when nothing was produced.
func (t *ServerTransport) ServePOST(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeParseError, "failed to read body")
		return
	}
	if len(body) == 0 {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "POST requires a non-empty body")
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeParseError, fmt.Sprintf("malformed payload: %v", err))
		return
	}

	sid := StreamID(t.nextStream.Add(1))
	signal := make(chan struct{}, 1)

	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		http.Error(w, "session terminated", http.StatusGone)
		return
	}
	if r, ok := msg.(*jsonrpc.Request); ok && r.ID.IsValid() {
		t.streamRequests[sid] = map[jsonrpc.ID]struct{}{r.ID: {}}
		t.requestStreams[r.ID] = sid
	}
	t.signals[sid] = signal
	t.mu.Unlock()

	select {
	case t.incoming <- msg:
	case <-t.done:
		t.dropSignal(sid)
		http.Error(w, "session terminated", http.StatusGone)
		return
	case <-req.Context().Done():
		t.dropSignal(sid)
		return
	}

	t.respondPOST(w, req, sid, signal)
}

// respondPOST waits for the first outcome on the stream and picks the
// response shape: a lone response with no follow-ups becomes application/json,
// anything else becomes an SSE stream, and no output becomes 202 Accepted.
func (t *ServerTransport) respondPOST(w http.ResponseWriter, req *http.Request, sid StreamID, signal chan struct{}) {
	defer t.dropSignal(sid)

	for {
		t.mu.Lock()
		queued := len(t.outgoing[sid])
		outstanding := len(t.streamRequests[sid])
		t.mu.Unlock()

		if outstanding == 0 {
			switch queued {
			case 0:
				w.Header().Set(sessionIDHeader, t.id)
				w.WriteHeader(http.StatusAccepted)
			case 1:
				t.writeSingleJSON(w, sid)
			default:
				t.streamEvents(w, req, sid, 0, signal)
			}
			return
		}
		if queued > 0 {
			// Output before the request completed: stream it.
			t.streamEvents(w, req, sid, 0, signal)
			return
		}

		select {
		case <-signal:
		case <-t.done:
			http.Error(w, "session terminated", http.StatusGone)
			return
		case <-req.Context().Done():
			return
		}
	}
}

// ServeGET serves the session's long-lived event stream (logical stream 0),
// honoring Last-Event-ID resumption.
func (t *ServerTransport) ServeGET(w http.ResponseWriter, req *http.Request) {
	nextIdx := 0
	if eid := req.Header.Get("Last-Event-ID"); eid != "" {
		sid, idx, ok := parseEventID(eid)
		if !ok || sid != 0 {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("malformed Last-Event-ID %q", eid))
			return
		}
		nextIdx = idx + 1
	}

	signal := make(chan struct{}, 1)
	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		http.Error(w, "session terminated", http.StatusGone)
		return
	}
	if _, ok := t.signals[0]; ok {
		t.mu.Unlock()
		http.Error(w, "session already has an active event stream", http.StatusBadRequest)
		return
	}
	t.signals[0] = signal
	if nextIdx > len(t.outgoing[0]) {
		nextIdx = len(t.outgoing[0])
	}
	t.mu.Unlock()

	defer t.dropSignal(0)
	t.streamEvents(w, req, 0, nextIdx, signal)
}

// writeSingleJSON answers a POST with its lone response as application/json.
func (t *ServerTransport) writeSingleJSON(w http.ResponseWriter, sid StreamID) {
	t.mu.Lock()
	msgs := t.outgoing[sid]
	t.mu.Unlock()
	if len(msgs) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set(sessionIDHeader, t.id)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(msgs[0].data)
}

// streamEvents writes the stream's messages as server-sent events until the
// stream completes (POST), the session closes, or the client goes away.
func (t *ServerTransport) streamEvents(w http.ResponseWriter, req *http.Request, sid StreamID, nextIdx int, signal chan struct{}) {
	w.Header().Set(sessionIDHeader, t.id)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	// Live stream: proxies must not buffer.
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	writes := 0
	for {
		t.mu.Lock()
		pending := t.outgoing[sid][nextIdx:]
		t.mu.Unlock()

		for _, msg := range pending {
			if _, err := writeEvent(w, msg.event); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			writes++
			nextIdx++
		}

		t.mu.Lock()
		outstanding := len(t.streamRequests[sid])
		total := len(t.outgoing[sid])
		t.mu.Unlock()

		if nextIdx < total {
			continue
		}
		if req.Method == http.MethodPost && outstanding == 0 {
			if writes == 0 {
				w.WriteHeader(http.StatusAccepted)
			}
			return
		}

		select {
		case <-signal:
		case <-t.done:
			if writes == 0 {
				http.Error(w, "session terminated", http.StatusGone)
			}
			return
		case <-req.Context().Done():
			if writes == 0 {
				w.WriteHeader(http.StatusNoContent)
			}
			return
		}
	}
}

func (t *ServerTransport) dropSignal(sid StreamID) {
	t.mu.Lock()
	delete(t.signals, sid)
	t.mu.Unlock()
}
