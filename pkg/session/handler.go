package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/txn2/mcp-stream-gateway/pkg/audit"
	"github.com/txn2/mcp-stream-gateway/pkg/auth"
	"github.com/txn2/mcp-stream-gateway/pkg/streamable"
)

const sessionIDHeader = "Mcp-Session-Id"

// Handler is the streamable HTTP entry point. It resolves the Mcp-Session-Id
// header to a session, enforces ownership, and delegates the wire work to the
// session's transport.
type Handler struct {
	registry *Registry
}

// NewHandler creates the transport handler for a registry.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

var _ http.Handler = (*Handler)(nil)

// ServeHTTP routes by method. POST carries client messages, GET opens the
// session's long-lived event stream, DELETE terminates the session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		h.servePOST(w, req)
	case http.MethodGet:
		h.serveGET(w, req)
	case http.MethodDelete:
		h.serveDELETE(w, req)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// servePOST handles one client message. A request without a session header
// starts a new session; with one, it joins the existing session.
func (h *Handler) servePOST(w http.ResponseWriter, req *http.Request) {
	// Clients must be prepared for either response shape.
	if !accepts(req, "application/json") || !accepts(req, "text/event-stream") {
		http.Error(w, "client must accept both application/json and text/event-stream", http.StatusNotAcceptable)
		return
	}

	id := req.Header.Get(sessionIDHeader)
	identity := auth.IdentityFromContext(req.Context())

	var s *Session
	if id == "" {
		created, err := h.registry.NewSession(identity)
		if err != nil {
			slog.Error("session: creation failed", slogKeyError, err)
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		s = created
		slog.Info("session: created", slogKeySessionID, s.id)
	} else {
		found, ok := h.lookup(w, id, identity)
		if !ok {
			return
		}
		s = found
	}

	release, err := s.Acquire(req.Context())
	if err != nil {
		if errors.Is(err, ErrSessionClosed) {
			streamable.WriteError(w, http.StatusNotFound, streamable.CodeSessionNotFound, "session not found")
			return
		}
		slog.Error("session: admission failed", slogKeySessionID, s.id, slogKeyError, err)
		http.Error(w, "failed to start session", http.StatusInternalServerError)
		return
	}
	defer release()

	s.Transport().ServePOST(w, req)

	if h.registry.Stateless() {
		if err := s.Dispose(); err != nil {
			slog.Error("session: one-shot disposal failed", slogKeySessionID, s.id, slogKeyError, err)
		}
	}
}

// serveGET opens the session's long-lived event stream. Each session allows
// exactly one such stream for its entire life.
func (h *Handler) serveGET(w http.ResponseWriter, req *http.Request) {
	if !accepts(req, "text/event-stream") {
		http.Error(w, "client must accept text/event-stream", http.StatusBadRequest)
		return
	}
	id := req.Header.Get(sessionIDHeader)
	if id == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}

	s, ok := h.lookup(w, id, auth.IdentityFromContext(req.Context()))
	if !ok {
		return
	}
	if !s.ClaimGetStream() {
		http.Error(w, "session already has an event stream", http.StatusBadRequest)
		return
	}

	release, err := s.Acquire(req.Context())
	if err != nil {
		streamable.WriteError(w, http.StatusNotFound, streamable.CodeSessionNotFound, "session not found")
		return
	}
	defer release()

	s.Transport().ServeGET(w, req)
}

// serveDELETE terminates a session. Deleting an unknown session succeeds; the
// client's goal state is already reality.
func (h *Handler) serveDELETE(w http.ResponseWriter, req *http.Request) {
	id := req.Header.Get(sessionIDHeader)
	if id == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}

	if s, ok := h.registry.Get(id); ok {
		if !s.MatchesOwner(auth.IdentityFromContext(req.Context())) {
			slog.Debug("session: delete denied for non-owner", slogKeySessionID, id)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if s, ok := h.registry.Remove(id); ok {
			h.registry.record(audit.NewEvent(audit.ActionDeleted, id).WithOwner(ownerString(s.owner)))
			if err := s.Dispose(); err != nil {
				slog.Error("session: delete disposal failed", slogKeySessionID, id, slogKeyError, err)
			}
			slog.Info("session: deleted", slogKeySessionID, id)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves a session ID and enforces ownership. On failure it writes
// the HTTP response and returns false.
func (h *Handler) lookup(w http.ResponseWriter, id string, identity *auth.Identity) (*Session, bool) {
	s, ok := h.registry.Get(id)
	if !ok {
		streamable.WriteError(w, http.StatusNotFound, streamable.CodeSessionNotFound, "session not found")
		return nil, false
	}
	if !s.MatchesOwner(identity) {
		// Deliberately not a 404: the ID is valid, the caller is not.
		slog.Debug("session: access denied for non-owner", slogKeySessionID, id)
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil, false
	}
	return s, true
}

// accepts reports whether the request's Accept header admits the given media
// type, honoring */* and type/* wildcards. An absent header accepts anything.
func accepts(req *http.Request, mediaType string) bool {
	header := req.Header.Get("Accept")
	if header == "" {
		return true
	}
	prefix := mediaType[:strings.Index(mediaType, "/")+1]
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if i := strings.Index(part, ";"); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		if part == mediaType || part == "*/*" || part == prefix+"*" {
			return true
		}
	}
	return false
}
