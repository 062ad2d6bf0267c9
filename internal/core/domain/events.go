package domain

type SessionEventType string

const (
	EventJoin                   SessionEventType = "join"
	EventLeave                  SessionEventType = "leave"
	EventSpeakerRequest         SessionEventType = "speaker-request"
	EventSpeakerRequestResponse SessionEventType = "speaker-request-response"
	EventRevokeSpeaker          SessionEventType = "revoke-speaker"
	EventScreenShareStarted     SessionEventType = "screen-share-started"
	EventScreenShareStopped     SessionEventType = "screen-share-stopped"
)

// SessionEvent is one entry of the session log. Timestamps are unix millis.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	ClientID  ParticipantID    `json:"client_id"`
	Timestamp int64            `json:"timestamp"`
	Recipient ParticipantID    `json:"recipient,omitempty"`
	Approved  *bool            `json:"approved,omitempty"`
}

// IsApproval reports an approved speaker-request-response.
func (e SessionEvent) IsApproval() bool {
	return e.Type == EventSpeakerRequestResponse && e.Approved != nil && *e.Approved
}

type SpeechEvent struct {
	ClientID      ParticipantID `json:"client_id"`
	Speaking      bool          `json:"speaking"`
	Timestamp     int64         `json:"timestamp"`
	SpeakingStart int64         `json:"speakingStart,omitempty"`
}

type ChatMessage struct {
	Sender    ParticipantID `json:"sender"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"`
}

type SessionLog struct {
	Events []SessionEvent `json:"events"`
}

type SpeechLog struct {
	Events []SpeechEvent `json:"events"`
}

type CommentsLog struct {
	Messages []ChatMessage `json:"messages"`
}

// LogKind names one of the persisted logs.
type LogKind string

const (
	LogSession  LogKind = "session_log"
	LogSpeech   LogKind = "speech_log"
	LogComments LogKind = "comments_log"
)

// Bool returns a pointer for the optional approved field.
func Bool(v bool) *bool {
	return &v
}
