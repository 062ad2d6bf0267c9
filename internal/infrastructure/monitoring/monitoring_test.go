package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/repositories/memory"
)

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(ctx context.Context) (bool, error) { return true, nil }, 0, time.Second)
	h.AddCheck("down", func(ctx context.Context) (bool, error) { return false, errors.New("connection refused") }, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "connection refused", status.Checks["down"])
	assert.Equal(t, "connection refused", h.Last()["down"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_LogStoreCheck(t *testing.T) {
	h := NewHealthChecker()
	h.AddLogStoreCheck(memory.NewMemoryLogStore(), 0, time.Second)
	assert.True(t, h.IsReady(context.Background()))
}

func TestPrometheusCollector_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.ParticipantConnected(domain.RoomID("episode_1"))
	p.ParticipantConnected(domain.RoomID("episode_1"))
	p.ParticipantDisconnected(domain.RoomID("episode_1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.participantsConnected))

	p.MessageRouted("offer")
	p.MessageRouted("offer")
	assert.Equal(t, 2.0, testutil.ToFloat64(p.messagesRouted.WithLabelValues("offer")))

	p.ChunkIngested("audio-data", 100)
	p.ChunkIngested("audio-data", 28)
	assert.Equal(t, 128.0, testutil.ToFloat64(p.chunkBytes))

	p.LinkStateChanged(domain.StreamAudio, "", "negotiating")
	p.LinkStateChanged(domain.StreamAudio, "negotiating", "connected")
	assert.Equal(t, 0.0, testutil.ToFloat64(p.linksActive.WithLabelValues("audio", "negotiating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.linksActive.WithLabelValues("audio", "connected")))

	p.SpeechTransition(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.speechTransitions.WithLabelValues("start")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
