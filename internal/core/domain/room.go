package domain

import (
	"fmt"
	"strings"
	"time"
)

type ParticipantID string
type EpisodeID string
type RoomID string

// RoomForEpisode returns the relay room of a live episode.
func RoomForEpisode(id EpisodeID) RoomID {
	return RoomID(fmt.Sprintf("episode_%s", id))
}

// EpisodeForRoom is the inverse of RoomForEpisode.
func EpisodeForRoom(id RoomID) (EpisodeID, bool) {
	s := string(id)
	if !strings.HasPrefix(s, "episode_") {
		return "", false
	}
	return EpisodeID(strings.TrimPrefix(s, "episode_")), true
}

// StreamClass separates microphone links from screen links.
type StreamClass string

const (
	StreamAudio  StreamClass = "audio"
	StreamScreen StreamClass = "screen"
)

// ParseStreamClass maps the wire streamType (empty means audio).
func ParseStreamClass(s string) StreamClass {
	if s == string(StreamScreen) {
		return StreamScreen
	}
	return StreamAudio
}

// Millis returns unix milliseconds, the timestamp unit of every log.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
