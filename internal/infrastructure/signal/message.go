package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"

	"podlive/internal/core/domain"
)

type MessageType string

const (
	TypeUserJoined             MessageType = "user-joined"
	TypeUsersList              MessageType = "users-list"
	TypeOffer                  MessageType = "offer"
	TypeAnswer                 MessageType = "answer"
	TypeICECandidate           MessageType = "ice-candidate"
	TypeSpeakerRequest         MessageType = "speaker-request"
	TypeSpeakerRequestResponse MessageType = "speaker-request-response"
	TypeRevokeSpeaker          MessageType = "revoke-speaker"
	TypeUserStatusUpdate       MessageType = "user-status-update"
	TypeScreenShareStarted     MessageType = "screen-share-started"
	TypeScreenShareStopped     MessageType = "screen-share-stopped"
	TypeRequestScreenOffer     MessageType = "request-screen-share-offer"
	TypeSpeechEvent            MessageType = "speech-event"
	TypeChatMessage            MessageType = "chat-message"
	TypeStartRecording         MessageType = "start-recording"
	TypeStopRecording          MessageType = "stop-recording"
	TypeAudioData              MessageType = "audio-data"
	TypeVideoData              MessageType = "video-data"
	TypeCreateTempRecording    MessageType = "create-temp-recording"
	TypeDisconnect             MessageType = "disconnect"
	TypeLiveEnded              MessageType = "live-ended"

	// relay replies
	TypeRecordingStarted MessageType = "recording-started"
	TypeRecordingStopped MessageType = "recording-stopped"
	TypeRecordingCreated MessageType = "recording-created"
	TypeError            MessageType = "error"

	// legacy client aliases for screen-share-started/stopped
	typeStartScreenShare MessageType = "start-screen-share"
	typeStopScreenShare  MessageType = "stop-screen-share"
)

// Message is the single envelope of every signaling exchange. Only the
// fields relevant to Type are set.
type Message struct {
	Type      MessageType          `json:"type"`
	Sender    domain.ParticipantID `json:"sender,omitempty"`
	Recipient domain.ParticipantID `json:"recipient,omitempty"`

	StreamType  string                   `json:"streamType,omitempty"`
	SDP         string                   `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Negotiation uint64                   `json:"negotiation,omitempty"`

	Name     string                     `json:"name,omitempty"`
	Users    []domain.Member            `json:"users,omitempty"`
	Statuses []domain.ParticipantStatus `json:"statuses,omitempty"`
	Approved *bool                      `json:"approved,omitempty"`

	Speaking      *bool  `json:"speaking,omitempty"`
	SpeakingStart int64  `json:"speakingStart,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	Content       string `json:"content,omitempty"`

	Audio    string  `json:"audio,omitempty"`
	Video    string  `json:"video,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`
	Sequence *uint64 `json:"sequence,omitempty"`
	Filename string  `json:"filename,omitempty"`

	ClientID domain.ParticipantID `json:"client_id,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Class returns the stream class of a negotiation message.
func (m Message) Class() domain.StreamClass {
	return domain.ParseStreamClass(m.StreamType)
}

// Targeted reports whether the message goes to one recipient only.
func (m Message) Targeted() bool {
	return m.Recipient != ""
}

// Validate checks the fields each type requires.
func (m Message) Validate() error {
	switch m.Type {
	case "":
		return fmt.Errorf("%w: message type is required", domain.ErrInvalidMessage)
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", domain.ErrInvalidMessage, m.Type)
		}
		if m.Recipient == "" {
			return fmt.Errorf("%w: %s without recipient", domain.ErrInvalidMessage, m.Type)
		}
	case TypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", domain.ErrInvalidMessage)
		}
	case TypeSpeakerRequestResponse:
		if m.Recipient == "" || m.Approved == nil {
			return fmt.Errorf("%w: response needs recipient and approved", domain.ErrInvalidMessage)
		}
	case TypeRevokeSpeaker:
		if m.Recipient == "" {
			return fmt.Errorf("%w: revoke-speaker without recipient", domain.ErrInvalidMessage)
		}
	case TypeSpeechEvent:
		if m.Speaking == nil {
			return fmt.Errorf("%w: speech-event without speaking", domain.ErrInvalidMessage)
		}
	case TypeAudioData:
		if m.Audio == "" {
			return fmt.Errorf("%w: audio-data without audio", domain.ErrInvalidMessage)
		}
	case TypeVideoData:
		if m.Video == "" {
			return fmt.Errorf("%w: video-data without video", domain.ErrInvalidMessage)
		}
	}
	return nil
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	return m, nil
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// ErrorMessage builds a relay error reply.
func ErrorMessage(err error) Message {
	return Message{Type: TypeError, Error: err.Error()}
}
