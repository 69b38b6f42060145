package audit

import (
	"context"
	"log/slog"
	"time"
)

// Recorder persists session lifecycle events.
type Recorder interface {
	// Record stores one event.
	Record(ctx context.Context, event *Event) error

	// Query retrieves events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// QueryFilter defines criteria for querying recorded events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	SessionID string
	Action    Action
	Limit     int
	Offset    int
}

// SlogRecorder writes events to structured logs. It is the default recorder
// when no persistent store is configured.
type SlogRecorder struct {
	logger *slog.Logger
}

// NewSlogRecorder creates a log-backed recorder. A nil logger uses the
// default slog logger.
func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogRecorder{logger: logger}
}

// Record logs the event.
func (r *SlogRecorder) Record(ctx context.Context, event *Event) error {
	r.logger.LogAttrs(ctx, slog.LevelInfo, "audit: session event",
		slog.String("event_id", event.ID),
		slog.String("session_id", event.SessionID),
		slog.String("action", string(event.Action)),
		slog.String("owner", event.Owner),
		slog.String("detail", event.Detail),
	)
	return nil
}

// Query is unsupported for the log-backed recorder.
func (*SlogRecorder) Query(context.Context, QueryFilter) ([]Event, error) {
	return nil, nil
}

// Close is a no-op.
func (*SlogRecorder) Close() error { return nil }

// Verify interface compliance.
var _ Recorder = (*SlogRecorder)(nil)
