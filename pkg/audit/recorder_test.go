package audit

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(ActionCreated, "sess-1")
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, ActionCreated, e.Action)

	other := NewEvent(ActionCreated, "sess-1")
	assert.NotEqual(t, e.ID, other.ID)
}

func TestEvent_Builders(t *testing.T) {
	e := NewEvent(ActionDeleted, "sess-1").
		WithOwner("sub:alice@test").
		WithDetail("client requested")
	assert.Equal(t, "sub:alice@test", e.Owner)
	assert.Equal(t, "client requested", e.Detail)
}

func TestSlogRecorder_Record(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewSlogRecorder(logger)

	e := NewEvent(ActionEvictedIdle, "sess-2").WithOwner("sub:bob@test")
	require.NoError(t, r.Record(context.Background(), e))

	out := buf.String()
	assert.Contains(t, out, "sess-2")
	assert.Contains(t, out, string(ActionEvictedIdle))
	assert.Contains(t, out, "sub:bob@test")
}

func TestSlogRecorder_QueryUnsupported(t *testing.T) {
	r := NewSlogRecorder(nil)
	events, err := r.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Nil(t, events)
	assert.NoError(t, r.Close())
}
