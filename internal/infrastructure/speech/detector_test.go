package speech

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorder) handle(_ context.Context, tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trs = append(r.trs, tr)
}

func (r *recorder) snapshot() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.trs...)
}

func feed(m *SampleMeter, level float64, n int) {
	for i := 0; i < n; i++ {
		m.ConsumeSample(pionmedia.Sample{}, level)
	}
}

type fixedMeter struct {
	mu     sync.Mutex
	level  float64
	closed bool
}

func (f *fixedMeter) set(v float64) {
	f.mu.Lock()
	f.level = v
	f.mu.Unlock()
}

func (f *fixedMeter) Level() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level, true
}

func (f *fixedMeter) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func TestDetector_EmitsOnlyOnTransition(t *testing.T) {
	meter := &fixedMeter{}
	rec := &recorder{}
	d := NewDetector(meter, Config{Window: 5 * time.Millisecond, Threshold: 0.3}, rec.handle)
	d.Start()

	meter.set(0.9)
	require.Eventually(t, func() bool { return d.Speaking() }, time.Second, 5*time.Millisecond)
	// many loud windows, still one event
	time.Sleep(40 * time.Millisecond)
	meter.set(0.1)
	require.Eventually(t, func() bool { return !d.Speaking() }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	d.Stop()

	trs := rec.snapshot()
	require.Len(t, trs, 2)
	assert.True(t, trs[0].Speaking)
	assert.True(t, trs[0].Since.IsZero())
	assert.False(t, trs[1].Speaking)
	assert.Equal(t, trs[0].At, trs[1].Since)
	assert.True(t, meter.closed)
}

func TestDetector_NoTransitionsAfterStop(t *testing.T) {
	meter := NewSampleMeter()
	rec := &recorder{}
	d := NewDetector(meter, Config{Window: 5 * time.Millisecond, Threshold: 0.3}, rec.handle)
	d.Start()
	d.Stop()

	n := len(rec.snapshot())
	feed(meter, 1, 50)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, n, len(rec.snapshot()))
	assert.True(t, meter.isClosed())

	// double stop and late start are harmless
	d.Stop()
	d.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(rec.snapshot()))
}

func TestDetector_StopUnblocksPendingDelivery(t *testing.T) {
	meter := NewSampleMeter()
	blocked := make(chan struct{})
	d := NewDetector(meter, Config{Window: 5 * time.Millisecond, Threshold: 0.1}, func(ctx context.Context, _ Transition) {
		close(blocked)
		<-ctx.Done()
	})
	feed(meter, 1, 10)
	d.Start()

	<-blocked
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return while delivery was blocked")
	}
}

func TestRTPLevelMeter_AudioLevelExtension(t *testing.T) {
	const extID = 1
	m := NewRTPLevelMeter(extID)

	for _, level := range []uint8{0, 127} {
		ext := rtp.AudioLevelExtension{Level: level, Voice: true}
		raw, err := ext.Marshal()
		require.NoError(t, err)

		pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
		require.NoError(t, pkt.Header.SetExtension(extID, raw))
		m.WriteRTP(pkt)
	}

	level, ok := m.Level()
	require.True(t, ok)
	assert.InDelta(t, 0.5, level, 0.001)

	_, ok = m.Level()
	assert.False(t, ok, "level resets after each read")
}

func TestRTPLevelMeter_FallsBackToPayloadSize(t *testing.T) {
	m := NewRTPLevelMeter(0)
	m.WriteRTP(&rtp.Packet{Payload: make([]byte, 500)})
	level, ok := m.Level()
	require.True(t, ok)
	assert.Equal(t, 1.0, level)

	m.Close()
	m.WriteRTP(&rtp.Packet{Payload: make([]byte, 500)})
	_, ok = m.Level()
	assert.False(t, ok)
}
