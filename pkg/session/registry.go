package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"

	"github.com/txn2/mcp-stream-gateway/pkg/audit"
	"github.com/txn2/mcp-stream-gateway/pkg/auth"
	"github.com/txn2/mcp-stream-gateway/pkg/streamable"
)

// RegistryConfig configures a session registry.
type RegistryConfig struct {
	// MaxIdleSessions is the soft ceiling on idle (unreferenced) sessions.
	// It bounds idle capacity, not total concurrent active sessions.
	MaxIdleSessions int

	// IdleTimeout is how long a session may sit idle before a prune pass
	// removes it. Zero or negative disables time-based expiry; the idle
	// count ceiling still applies.
	IdleTimeout time.Duration

	// Stateless makes every session one-shot: never registered, disposed at
	// the end of the request that created it.
	Stateless bool

	// Handler dispatches decoded messages for every session's server loop.
	Handler streamable.Handler

	// Clock supplies timestamps for idle arithmetic. Defaults to the real
	// clock.
	Clock clockwork.Clock

	// Audit records session lifecycle events. Optional.
	Audit audit.Recorder

	// Metrics publishes session gauges and counters. Optional.
	Metrics *Metrics
}

// Registry is a concurrent session store with idle-pruning and
// capacity-bounded admission.
type Registry struct {
	sessions sync.Map // session ID -> *Session
	idle     atomic.Int64

	maxIdle     int
	idleTimeout time.Duration
	stateless   bool
	handler     streamable.Handler
	clock       clockwork.Clock
	audit       audit.Recorder
	metrics     *Metrics

	// pruneMu serializes eviction during admission with the periodic prune
	// pass; the snapshot below is only touched while holding it.
	pruneMu    sync.Mutex
	idleStamps []time.Time
	idleIDs    []string
	cursor     int
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.MaxIdleSessions <= 0 {
		return nil, fmt.Errorf("max idle sessions must be positive, got %d", cfg.MaxIdleSessions)
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Registry{
		maxIdle:     cfg.MaxIdleSessions,
		idleTimeout: cfg.IdleTimeout,
		stateless:   cfg.Stateless,
		handler:     cfg.Handler,
		clock:       cfg.Clock,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
	}, nil
}

// timeoutDisabled reports whether time-based expiry is off.
func (r *Registry) timeoutDisabled() bool {
	return r.idleTimeout <= 0
}

// Stateless reports whether the registry runs in one-shot session mode.
func (r *Registry) Stateless() bool {
	return r.stateless
}

// NewSession creates a session owned by the given identity. The session's
// server loop starts immediately; the session joins the registry on its
// first reference acquisition.
func (r *Registry) NewSession(owner *auth.Identity) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return newSession(id, owner, r, r.stateless), nil
}

// Get looks up a session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove detaches a session from the registry without disposing it. The
// caller owns disposal.
func (r *Registry) Remove(id string) (*Session, bool) {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	if r.metrics != nil {
		r.metrics.LiveSessions.Dec()
	}
	return v.(*Session), true
}

// IdleCount returns the current idle-session count.
func (r *Registry) IdleCount() int64 {
	return r.idle.Load()
}

// noteIdle is called when a session's reference count reaches zero.
func (r *Registry) noteIdle() {
	r.idle.Add(1)
	if r.metrics != nil {
		r.metrics.IdleSessions.Inc()
	}
}

// noteActive is called when an idle session's reference count leaves zero.
func (r *Registry) noteActive() {
	r.idle.Add(-1)
	if r.metrics != nil {
		r.metrics.IdleSessions.Dec()
	}
}

// noteRemoved is called when a session that was idle is disposed.
func (r *Registry) noteRemoved() {
	r.idle.Add(-1)
	if r.metrics != nil {
		r.metrics.IdleSessions.Dec()
	}
}

// admit adds a new session to the registry, evicting the oldest idle session
// first when idle capacity is exhausted. New-session creation intentionally
// serializes behind eviction so sessions are not created faster than they can
// be disposed under sustained pressure. On any failure the new session is
// disposed before the error propagates.
func (r *Registry) admit(ctx context.Context, s *Session) (err error) {
	defer func() {
		if err != nil {
			if derr := s.Dispose(); derr != nil {
				slog.Error("session: disposing unadmitted session failed",
					slogKeySessionID, s.id, slogKeyError, derr)
			}
		}
	}()

	if r.tryAdd(s) {
		return nil
	}

	r.pruneMu.Lock()
	defer r.pruneMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("admitting session: %w", err)
		}
		// Another caller may have freed capacity while we waited on the lock.
		if r.tryAdd(s) {
			return nil
		}

		if victim := r.nextVictimLocked(); victim != nil {
			r.evict(victim, audit.ActionEvictedCapacity)
			r.add(s)
			return nil
		}

		// Snapshot exhausted: refresh it with a full prune pass, which also
		// drops anything past the idle timeout.
		r.pruneLocked()

		if r.cursor >= len(r.idleIDs) && r.idle.Load() >= int64(r.maxIdle) {
			// Every idle session is already mid-disposal elsewhere. Admit
			// over capacity rather than deadlock or reject.
			slog.Error("session: idle capacity exhausted with no evictable session; admitting anyway",
				slogKeySessionID, s.id,
				"idle_count", r.idle.Load(),
				"max_idle", r.maxIdle)
			if r.metrics != nil {
				r.metrics.AdmitFallbacks.Inc()
			}
			r.add(s)
			return nil
		}
	}
}

// tryAdd admits the session directly when idle capacity remains.
func (r *Registry) tryAdd(s *Session) bool {
	if r.idle.Load() >= int64(r.maxIdle) {
		return false
	}
	r.add(s)
	return true
}

// add inserts the session into the map. A duplicate ID means the 128-bit
// random ID collided, which is an invariant violation, not a recoverable
// error.
func (r *Registry) add(s *Session) {
	if _, loaded := r.sessions.LoadOrStore(s.id, s); loaded {
		panic(fmt.Sprintf("session %s: duplicate session id", s.id))
	}
	if r.metrics != nil {
		r.metrics.LiveSessions.Inc()
		r.metrics.Created.Inc()
	}
	r.record(audit.NewEvent(audit.ActionCreated, s.id).WithOwner(ownerString(s.owner)))
}

// nextVictimLocked walks the idle snapshot from the cursor and claims the
// first session that is still idle and still in the map. Idleness is
// re-verified at claim time since state changes concurrently.
func (r *Registry) nextVictimLocked() *Session {
	for r.cursor < len(r.idleIDs) {
		id := r.idleIDs[r.cursor]
		r.cursor++

		v, ok := r.sessions.Load(id)
		if !ok {
			continue
		}
		s := v.(*Session)
		if _, idle := s.idleSince(); !idle {
			continue
		}
		if _, loaded := r.sessions.LoadAndDelete(id); !loaded {
			continue
		}
		if r.metrics != nil {
			r.metrics.LiveSessions.Dec()
		}
		return s
	}
	return nil
}

// evict disposes a session removed for capacity or timeout reasons, waiting
// for disposal to finish. Disposal failures are logged, never propagated.
func (r *Registry) evict(s *Session, action audit.Action) {
	if r.metrics != nil {
		r.metrics.Evicted.WithLabelValues(string(action)).Inc()
	}
	r.record(audit.NewEvent(action, s.id).WithOwner(ownerString(s.owner)))
	if err := s.Dispose(); err != nil {
		slog.Error("session: eviction disposal failed", slogKeySessionID, s.id, slogKeyError, err)
	}
}

// evictAsync disposes without blocking the prune scan.
func (r *Registry) evictAsync(s *Session, action audit.Action) {
	if r.metrics != nil {
		r.metrics.Evicted.WithLabelValues(string(action)).Inc()
	}
	r.record(audit.NewEvent(action, s.id).WithOwner(ownerString(s.owner)))
	go func() {
		if err := s.Dispose(); err != nil {
			slog.Error("session: eviction disposal failed", slogKeySessionID, s.id, slogKeyError, err)
		}
	}()
}

// PruneIdleSessions runs one prune pass: time-based eviction always,
// count-based eviction only when over the idle ceiling. Cost is proportional
// to the live session count.
func (r *Registry) PruneIdleSessions() {
	r.pruneMu.Lock()
	defer r.pruneMu.Unlock()
	r.pruneLocked()
}

// pruneLocked rebuilds the idle snapshot from scratch, evicting sessions
// past the idle timeout along the way, then trims the snapshot down to the
// idle ceiling oldest-first. The cursor marks how far eviction progressed so
// admission resumes past already-considered entries.
func (r *Registry) pruneLocked() {
	if r.metrics != nil {
		r.metrics.PrunePasses.Inc()
	}

	r.idleStamps = r.idleStamps[:0]
	r.idleIDs = r.idleIDs[:0]
	r.cursor = 0

	timed := !r.timeoutDisabled()
	var cutoff time.Time
	if timed {
		cutoff = r.clock.Now().Add(-r.idleTimeout)
	}

	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		since, idle := s.idleSince()
		if !idle {
			return true
		}
		if timed && since.Before(cutoff) {
			if _, loaded := r.sessions.LoadAndDelete(s.id); loaded {
				if r.metrics != nil {
					r.metrics.LiveSessions.Dec()
				}
				r.evictAsync(s, audit.ActionEvictedIdle)
			}
			return true
		}
		r.idleStamps = append(r.idleStamps, since)
		r.idleIDs = append(r.idleIDs, s.id)
		return true
	})

	// Oldest first, so both the victim walk and the trim below evict in
	// idle-age order.
	sort.Sort(&idleSnapshot{stamps: r.idleStamps, ids: r.idleIDs})

	if len(r.idleIDs) <= r.maxIdle {
		return
	}

	excess := len(r.idleIDs) - r.maxIdle
	for i := 0; i < excess; i++ {
		v, ok := r.sessions.Load(r.idleIDs[i])
		if !ok {
			continue
		}
		s := v.(*Session)
		if _, idle := s.idleSince(); !idle {
			continue
		}
		if _, loaded := r.sessions.LoadAndDelete(s.id); !loaded {
			continue
		}
		if r.metrics != nil {
			r.metrics.LiveSessions.Dec()
		}
		r.evictAsync(s, audit.ActionEvictedCapacity)
	}
	r.cursor = excess
}

// DisposeAll removes every session and disposes them concurrently. Used only
// at shutdown. One session's failure never blocks the others; failures are
// aggregated into the returned error.
func (r *Registry) DisposeAll() error {
	var doomed []*Session
	r.sessions.Range(func(k, v any) bool {
		if _, loaded := r.sessions.LoadAndDelete(k); loaded {
			doomed = append(doomed, v.(*Session))
		}
		return true
	})
	if r.metrics != nil {
		r.metrics.LiveSessions.Sub(float64(len(doomed)))
	}

	var mu sync.Mutex
	var result *multierror.Error
	var wg conc.WaitGroup
	for _, s := range doomed {
		wg.Go(func() {
			r.record(audit.NewEvent(audit.ActionShutdown, s.id).WithOwner(ownerString(s.owner)))
			if err := s.Dispose(); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("session %s: %w", s.id, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// record writes an audit event, logging failures without propagating them.
func (r *Registry) record(event *audit.Event) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(context.Background(), event); err != nil {
		slog.Warn("session: audit record failed", slogKeySessionID, event.SessionID, slogKeyError, err)
	}
}

func ownerString(owner *auth.Identity) string {
	if owner == nil {
		return ""
	}
	return owner.String()
}

// idleSnapshot sorts the parallel timestamp/ID arrays by last-activity
// ascending (oldest idle first).
type idleSnapshot struct {
	stamps []time.Time
	ids    []string
}

func (s *idleSnapshot) Len() int           { return len(s.stamps) }
func (s *idleSnapshot) Less(i, j int) bool { return s.stamps[i].Before(s.stamps[j]) }
func (s *idleSnapshot) Swap(i, j int) {
	s.stamps[i], s.stamps[j] = s.stamps[j], s.stamps[i]
	s.ids[i], s.ids[j] = s.ids[j], s.ids[i]
}
