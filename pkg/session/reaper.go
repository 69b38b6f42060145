package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// ReaperState is the reaper's lifecycle state.
type ReaperState int32

const (
	// ReaperRunning means the prune loop is active.
	ReaperRunning ReaperState = iota

	// ReaperStopping means shutdown was requested and the final teardown is
	// in progress.
	ReaperStopping

	// ReaperStopped means the reaper has exited and all sessions are
	// disposed.
	ReaperStopped
)

// String returns the state name.
func (s ReaperState) String() string {
	switch s {
	case ReaperStopping:
		return "stopping"
	case ReaperStopped:
		return "stopped"
	default:
		return "running"
	}
}

// ReaperConfig configures the idle-session reaper.
type ReaperConfig struct {
	// Registry is the registry to prune.
	Registry *Registry

	// Interval is the time between prune passes. Must be positive.
	Interval time.Duration

	// Clock drives the prune ticker. Defaults to the real clock.
	Clock clockwork.Clock

	// OnFatal is invoked when the prune loop exits for any reason other than
	// context cancellation, after teardown completes. The registry cannot be
	// trusted to stay bounded without its reaper, so callers should treat
	// this as a process-fatal condition. Optional.
	OnFatal func(error)
}

// Reaper periodically prunes idle sessions and guarantees full registry
// teardown when it stops.
type Reaper struct {
	registry *Registry
	interval time.Duration
	clock    clockwork.Clock
	onFatal  func(error)
	state    atomic.Int32
}

// NewReaper creates a reaper for the given registry.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("reap interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Reaper{
		registry: cfg.Registry,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		onFatal:  cfg.OnFatal,
	}, nil
}

// State returns the reaper's current lifecycle state.
func (r *Reaper) State() ReaperState {
	return ReaperState(r.state.Load())
}

// Run prunes on every tick until ctx is cancelled, then disposes every
// remaining session before returning. Teardown runs even when the loop exits
// via panic, so a stopped reaper never leaves live sessions behind.
func (r *Reaper) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("prune loop panic: %v", p)
			slog.Error("session: reaper panicked", slogKeyError, err, "stack", string(debug.Stack()))
		}

		r.state.Store(int32(ReaperStopping))
		if derr := r.registry.DisposeAll(); derr != nil {
			slog.Error("session: shutdown disposal failed", slogKeyError, derr)
			if err == nil {
				err = derr
			}
		}
		r.state.Store(int32(ReaperStopped))

		if err != nil && r.onFatal != nil {
			r.onFatal(err)
		}
	}()

	slog.Info("session: reaper started", "interval", r.interval)
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session: reaper stopping")
			return nil
		case <-ticker.Chan():
			r.registry.PruneIdleSessions()
		}
	}
}
