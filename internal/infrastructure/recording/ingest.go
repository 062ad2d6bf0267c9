package recording

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"podlive/internal/core/domain"
	"podlive/internal/core/ports"
)

// Ingestor assembles recording chunks per room on the relay and hands
// the finished file to the recording store.
type Ingestor struct {
	store      ports.RecordingStore
	tempDir    string
	maxPending int
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[domain.RoomID]*ingestSession
}

type ingestSession struct {
	episode  domain.EpisodeID
	key      string
	file     *os.File
	asm      *Assembler
	mimeType string
	started  time.Time
	chunks   int
}

func NewIngestor(store ports.RecordingStore, tempDir string, maxPending int, logger *zap.SugaredLogger) *Ingestor {
	return &Ingestor{
		store:      store,
		tempDir:    tempDir,
		maxPending: maxPending,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[domain.RoomID]*ingestSession),
	}
}

// RecordingKey names a stored recording; its prefix is EpisodePrefix.
// Keys sort by start time to the millisecond; the random suffix keeps two
// sessions started in the same millisecond apart.
func RecordingKey(episode domain.EpisodeID, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%s%03d-%s.webm",
		EpisodePrefix(episode), at.Format("20060102T150405"), at.Nanosecond()/int(time.Millisecond), uuid.NewString()[:8])
}

func EpisodePrefix(episode domain.EpisodeID) string {
	return string(episode) + "_"
}

// Begin opens a session for room and returns the key the recording will
// be stored under. It is idempotent.
func (i *Ingestor) Begin(room domain.RoomID, mimeType string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, err := i.beginLocked(room, mimeType)
	if err != nil {
		return "", err
	}
	return s.key, nil
}

func (i *Ingestor) beginLocked(room domain.RoomID, mimeType string) (*ingestSession, error) {
	if s, ok := i.sessions[room]; ok {
		return s, nil
	}
	episode, ok := domain.EpisodeForRoom(room)
	if !ok {
		return nil, fmt.Errorf("room %s is not an episode room", room)
	}
	f, err := os.CreateTemp(i.tempDir, "podlive-rec-*.webm")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp recording: %w", err)
	}
	if mimeType == "" {
		mimeType = domain.MimeAudioWebM
	}
	started := i.now()
	s := &ingestSession{
		episode:  episode,
		key:      RecordingKey(episode, started),
		file:     f,
		asm:      NewAssembler(f, i.maxPending),
		mimeType: mimeType,
		started:  started,
	}
	i.sessions[room] = s
	i.logger.Infow("recording ingest started", "room_id", room, "temp_file", f.Name())
	return s, nil
}

// Append adds a chunk to the room's open session. Chunks for a room with
// no session, such as a recorder's final flush after the room was closed,
// are rejected with domain.ErrRecordingIdle.
func (i *Ingestor) Append(room domain.RoomID, seq *uint64, payload []byte, mimeType string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.sessions[room]
	if !ok {
		return domain.ErrRecordingIdle
	}
	// video chunks upgrade the container type
	if mimeType == domain.MimeVideoWebM {
		s.mimeType = mimeType
	}
	s.chunks++
	return s.asm.Add(seq, payload)
}

func (i *Ingestor) Active(room domain.RoomID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.sessions[room]
	return ok
}

// Finish stores the assembled recording and removes the temp file.
func (i *Ingestor) Finish(ctx context.Context, room domain.RoomID) (*domain.RecordingInfo, error) {
	i.mu.Lock()
	s, ok := i.sessions[room]
	delete(i.sessions, room)
	i.mu.Unlock()
	if !ok {
		return nil, domain.ErrRecordingIdle
	}
	defer os.Remove(s.file.Name())
	defer s.file.Close()

	if err := s.asm.Finish(); err != nil {
		return nil, fmt.Errorf("failed to assemble recording: %w", err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("failed to rewind recording: %w", err)
	}

	info := &domain.RecordingInfo{
		Key:         s.key,
		EpisodeID:   s.episode,
		ContentType: s.mimeType,
		Size:        s.asm.Written(),
		CreatedAt:   s.started,
		Gaps:        s.asm.Gaps(),
	}
	if err := i.store.Put(ctx, info.Key, s.file, info.Size, info.ContentType); err != nil {
		return nil, fmt.Errorf("failed to store recording: %w", err)
	}

	i.logger.Infow("recording stored",
		"room_id", room,
		"key", info.Key,
		"bytes", info.Size,
		"chunks", s.chunks,
		"gaps", info.Gaps,
	)
	return info, nil
}

// Abort drops every open session without storing.
func (i *Ingestor) Abort() {
	i.mu.Lock()
	sessions := i.sessions
	i.sessions = make(map[domain.RoomID]*ingestSession)
	i.mu.Unlock()

	for room, s := range sessions {
		s.file.Close()
		os.Remove(s.file.Name())
		i.logger.Warnw("recording ingest aborted", "room_id", room)
	}
}
