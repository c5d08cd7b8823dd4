package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "agent-task-coordinator", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRecorderOnDefaultMeterProvider(t *testing.T) {
	rec, err := NewRecorder()
	require.NoError(t, err)

	// default meter provider discards everything; recording must not panic
	rec.Record(context.Background(), Event{
		Source: "test", Endpoint: "/v1/messages", StatusCode: 200, RuntimeMS: 12,
	})
	rec.RecordFriction(context.Background(), FrictionEvent{
		Block: "empty_prompt", Severity: "medium", TaskID: "t1",
	})
}
