package domain

import "time"

const (
	MimeAudioWebM = "audio/webm;codecs=opus"
	MimeVideoWebM = "video/webm;codecs=vp8,opus"
)

// RecordingChunk is one drained slice of the container byte stream.
type RecordingChunk struct {
	Payload  []byte
	MimeType string
	Sequence uint64
	HasVideo bool
}

// RecordingInfo describes a stored recording.
type RecordingInfo struct {
	Key         string
	EpisodeID   EpisodeID
	ContentType string
	Size        int64
	CreatedAt   time.Time
	Gaps        int
}
