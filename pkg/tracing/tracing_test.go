package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "podlive", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanHelpers_NoProvider(t *testing.T) {
	ctx, span := TraceSignalMessage(context.Background(), "offer", "episode_1", "alice")
	defer span.End()

	AddSpanAttributes(ctx, attribute.String("k", "v"))
	RecordError(ctx, errors.New("boom"))
	assert.Equal(t, "", TraceID(ctx))

	_, replaySpan := TraceReplay(ctx, "1", 1200)
	replaySpan.End()
	_, callSpan := TracePlatformCall(ctx, "GET", "/api/v1/episodes/1")
	callSpan.End()
}
