package recording

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
)

func seq(n uint64) *uint64 { return &n }

func TestAssembler_ReordersChunks(t *testing.T) {
	var out bytes.Buffer
	a := NewAssembler(&out, 8)

	require.NoError(t, a.Add(seq(1), []byte("b")))
	require.NoError(t, a.Add(seq(0), []byte("a")))
	require.NoError(t, a.Add(seq(2), []byte("c")))
	require.NoError(t, a.Finish())

	assert.Equal(t, "abc", out.String())
	assert.Equal(t, 0, a.Gaps())
	assert.Equal(t, int64(3), a.Written())
}

func TestAssembler_DropsDuplicates(t *testing.T) {
	var out bytes.Buffer
	a := NewAssembler(&out, 8)

	require.NoError(t, a.Add(seq(0), []byte("a")))
	require.NoError(t, a.Add(seq(0), []byte("a")))
	require.NoError(t, a.Finish())
	assert.Equal(t, "a", out.String())
}

func TestAssembler_SkipsLostChunk(t *testing.T) {
	var out bytes.Buffer
	a := NewAssembler(&out, 2)

	require.NoError(t, a.Add(seq(0), []byte("a")))
	// 1 is lost
	require.NoError(t, a.Add(seq(2), []byte("c")))
	require.NoError(t, a.Add(seq(3), []byte("d")))
	assert.Equal(t, "a", out.String(), "still waiting within the window")
	require.NoError(t, a.Add(seq(4), []byte("e")))

	assert.Equal(t, "acde", out.String())
	assert.Equal(t, 1, a.Gaps())

	// the lost chunk arriving late is ignored
	require.NoError(t, a.Add(seq(1), []byte("b")))
	require.NoError(t, a.Finish())
	assert.Equal(t, "acde", out.String())
}

func TestAssembler_FinishFlushesAcrossGaps(t *testing.T) {
	var out bytes.Buffer
	a := NewAssembler(&out, 8)

	require.NoError(t, a.Add(seq(0), []byte("a")))
	require.NoError(t, a.Add(seq(3), []byte("d")))
	require.NoError(t, a.Add(seq(5), []byte("f")))
	require.NoError(t, a.Finish())

	assert.Equal(t, "adf", out.String())
	assert.Equal(t, 2, a.Gaps())
}

func TestAssembler_UnsequencedAppendsInArrivalOrder(t *testing.T) {
	var out bytes.Buffer
	a := NewAssembler(&out, 8)
	require.NoError(t, a.Add(nil, []byte("x")))
	require.NoError(t, a.Add(nil, []byte("y")))
	assert.Equal(t, "xy", out.String())
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func (m *memStore) Open(context.Context, string) (io.ReadCloser, *domain.RecordingInfo, error) {
	return nil, nil, domain.ErrRecordingNotFound
}

func (m *memStore) Latest(context.Context, string) (*domain.RecordingInfo, error) {
	return nil, domain.ErrRecordingNotFound
}

func TestIngestor_AssemblesAndStores(t *testing.T) {
	store := newMemStore()
	ing := NewIngestor(store, t.TempDir(), 8, zap.NewNop().Sugar())
	room := domain.RoomForEpisode("42")

	key, err := ing.Begin(room, domain.MimeAudioWebM)
	require.NoError(t, err)
	assert.Contains(t, key, EpisodePrefix("42"))
	require.NoError(t, ing.Append(room, seq(1), []byte("world"), domain.MimeAudioWebM))
	require.NoError(t, ing.Append(room, seq(0), []byte("hello "), domain.MimeAudioWebM))
	assert.True(t, ing.Active(room))

	info, err := ing.Finish(context.Background(), room)
	require.NoError(t, err)
	assert.False(t, ing.Active(room))
	assert.Equal(t, domain.EpisodeID("42"), info.EpisodeID)
	assert.Equal(t, key, info.Key)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "hello world", string(store.objects[info.Key]))

	_, err = ing.Finish(context.Background(), room)
	assert.ErrorIs(t, err, domain.ErrRecordingIdle)
}

func TestIngestor_VideoChunkUpgradesMimeType(t *testing.T) {
	store := newMemStore()
	ing := NewIngestor(store, t.TempDir(), 8, zap.NewNop().Sugar())
	room := domain.RoomForEpisode("7")

	_, err := ing.Begin(room, domain.MimeAudioWebM)
	require.NoError(t, err)
	require.NoError(t, ing.Append(room, seq(0), []byte("v"), domain.MimeVideoWebM))
	info, err := ing.Finish(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, domain.MimeVideoWebM, store.types[info.Key])
}

func TestIngestor_AbortRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	ing := NewIngestor(newMemStore(), dir, 8, zap.NewNop().Sugar())
	_, err := ing.Begin(domain.RoomForEpisode("1"), "")
	require.NoError(t, err)
	ing.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestor_DropsChunksAfterFinish(t *testing.T) {
	store := newMemStore()
	ing := NewIngestor(store, t.TempDir(), 8, zap.NewNop().Sugar())
	room := domain.RoomForEpisode("42")

	_, err := ing.Begin(room, domain.MimeAudioWebM)
	require.NoError(t, err)
	require.NoError(t, ing.Append(room, seq(0), []byte("whole"), domain.MimeAudioWebM))
	info, err := ing.Finish(context.Background(), room)
	require.NoError(t, err)

	err = ing.Append(room, seq(1), []byte("tail"), domain.MimeAudioWebM)
	assert.ErrorIs(t, err, domain.ErrRecordingIdle)
	assert.False(t, ing.Active(room))
	_, err = ing.Finish(context.Background(), room)
	assert.ErrorIs(t, err, domain.ErrRecordingIdle)

	assert.Len(t, store.objects, 1)
	assert.Equal(t, "whole", string(store.objects[info.Key]))
}

func TestRecordingKey_UniqueAndOrdered(t *testing.T) {
	at := time.Date(2026, 10, 14, 4, 48, 21, 5*int(time.Millisecond), time.UTC)
	a := RecordingKey("42", at)
	b := RecordingKey("42", at)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "42_20261014T044821005-"), a)
	assert.True(t, strings.HasSuffix(a, ".webm"), a)

	later := RecordingKey("42", at.Add(time.Millisecond))
	assert.Greater(t, later, a)
	assert.Greater(t, later, b)
}

func TestIngestor_RejectsNonEpisodeRoom(t *testing.T) {
	ing := NewIngestor(newMemStore(), t.TempDir(), 8, zap.NewNop().Sugar())
	_, err := ing.Begin("lobby", "")
	assert.Error(t, err)
}
