// Package session manages the lifecycle of MCP streamable HTTP sessions: a
// reference-counted Session owning its transport and server loop, a Registry
// bounding idle capacity with oldest-first eviction, a background Reaper, and
// the HTTP handler tying them to the wire.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/txn2/mcp-stream-gateway/pkg/auth"
	"github.com/txn2/mcp-stream-gateway/pkg/streamable"
)

const (
	// sessionIDBytes is the number of random bytes in a session ID.
	sessionIDBytes = 16

	// slogKeyError is the slog attribute key for error values.
	slogKeyError = "error"

	// slogKeySessionID is the slog attribute key for session IDs.
	slogKeySessionID = "session_id"
)

// ErrSessionClosed is returned when a reference is requested on a disposed
// session.
var ErrSessionClosed = errors.New("session closed")

// State is a session's lifecycle state. Transitions are strictly forward:
// Uninitialized -> Started -> Disposed.
type State int

const (
	// StateUninitialized means the session exists but has not been admitted
	// to the registry.
	StateUninitialized State = iota

	// StateStarted means the session is admitted and serving requests.
	StateStarted

	// StateDisposed means the session has been torn down.
	StateDisposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateDisposed:
		return "disposed"
	default:
		return "uninitialized"
	}
}

// Session is one client conversation. It owns a transport and the server
// loop consuming it, and is kept alive across overlapping HTTP requests by
// reference counting: a session with an active reference is never pruned.
type Session struct {
	id        string
	owner     *auth.Identity
	transport *streamable.ServerTransport
	handler   streamable.Handler
	registry  *Registry
	clock     clockwork.Clock
	stateless bool

	// mu serializes the state machine and reference counting so the compound
	// read-state-then-count operations cannot lose updates.
	mu         sync.Mutex
	state      State
	refs       int
	lastActive time.Time

	// getClaimed guards the single long-lived GET stream per session,
	// independent of the reference count.
	getClaimed atomic.Bool

	disposeOnce sync.Once
	serveDone   chan struct{}
	serveErr    error
}

// newSession creates a session with a running server loop. The session is
// not yet registered; the first reference acquisition admits it.
func newSession(id string, owner *auth.Identity, r *Registry, stateless bool) *Session {
	s := &Session{
		id:        id,
		owner:     owner,
		transport: streamable.NewServerTransport(id),
		handler:   r.handler,
		registry:  r,
		clock:     r.clock,
		stateless: stateless,
		serveDone: make(chan struct{}),
	}
	go s.serve()
	return s
}

// serve runs the session's server loop until the transport closes.
func (s *Session) serve() {
	defer close(s.serveDone)
	s.serveErr = s.transport.Serve(context.Background(), s.handler)
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Transport returns the session's transport for request routing.
func (s *Session) Transport() *streamable.ServerTransport {
	return s.transport
}

// Owner returns the identity captured at session creation, or nil for
// anonymous sessions.
func (s *Session) Owner() *auth.Identity {
	return s.owner
}

// MatchesOwner reports whether the presented identity may use this session.
// Anonymous sessions accept any caller.
func (s *Session) MatchesOwner(presented *auth.Identity) bool {
	if s.owner == nil {
		return true
	}
	if presented == nil {
		return false
	}
	return s.owner.Equal(*presented)
}

// ClaimGetStream atomically claims the single long-lived GET stream. It
// returns false if the stream was already claimed.
func (s *Session) ClaimGetStream() bool {
	return s.getClaimed.CompareAndSwap(false, true)
}

// Acquire pins the session for the duration of a request. The first
// acquisition admits the session to the registry, which may block while an
// idle session is evicted to free capacity; on admission failure the session
// is disposed before the error is returned. The returned release function is
// idempotent and must be called when the request completes.
func (s *Session) Acquire(ctx context.Context) (release func(), err error) {
	if s.stateless {
		return func() {}, nil
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	admit := s.state == StateUninitialized
	if admit {
		s.state = StateStarted
	}
	s.refs++
	becameActive := !admit && s.refs == 1
	s.mu.Unlock()

	if becameActive {
		s.registry.noteActive()
	}

	var once sync.Once
	release = func() { once.Do(s.release) }

	if admit {
		if err := s.registry.admit(ctx, s); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// release drops one reference. On the transition to zero references the
// last-activity timestamp is recorded and the session counts as idle.
func (s *Session) release() {
	s.mu.Lock()
	s.refs--
	if s.refs < 0 {
		panic(fmt.Sprintf("session %s: negative reference count", s.id))
	}
	idleNow := s.refs == 0 && s.state == StateStarted
	if idleNow {
		s.lastActive = s.clock.Now()
	}
	s.mu.Unlock()

	if idleNow {
		s.registry.noteIdle()
	}
}

// idleSince reports the last-activity timestamp if the session is currently
// idle (started, zero references). Sessions mid-closure or still
// uninitialized are not idle.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarted || s.refs > 0 {
		return time.Time{}, false
	}
	return s.lastActive, true
}

// Dispose tears the session down: it signals session-closed, awaits the
// server loop, then releases the handler before the transport. Dispose is
// idempotent and safe to call concurrently; later callers wait for the first
// disposal to complete and return nil.
func (s *Session) Dispose() error {
	var err error
	s.disposeOnce.Do(func() { err = s.dispose() })
	return err
}

func (s *Session) dispose() error {
	s.mu.Lock()
	wasIdle := s.state == StateStarted && s.refs == 0
	s.state = StateDisposed
	s.mu.Unlock()

	// Session-closed fires exactly once; the server loop drains before the
	// transport goes away so in-flight sends don't hit a closed transport.
	_ = s.transport.Close()
	<-s.serveDone

	if closer, ok := s.handler.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Error("session: handler close failed", slogKeySessionID, s.id, slogKeyError, err)
		}
	}

	if wasIdle {
		s.registry.noteRemoved()
	}

	if s.serveErr != nil && !errors.Is(s.serveErr, context.Canceled) {
		return fmt.Errorf("session %s server loop: %w", s.id, s.serveErr)
	}
	return nil
}

// generateSessionID creates a cryptographically random, URL-safe session ID.
func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
