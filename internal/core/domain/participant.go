package domain

import "time"

type Role int

const (
	RoleListener Role = iota
	RolePendingSpeaker
	RoleSpeaker
	RoleHost
)

func (r Role) String() string {
	switch r {
	case RolePendingSpeaker:
		return "pending_speaker"
	case RoleSpeaker:
		return "speaker"
	case RoleHost:
		return "host"
	default:
		return "listener"
	}
}

// CanSpeak reports whether the role may transmit microphone audio.
func (r Role) CanSpeak() bool {
	return r == RoleSpeaker || r == RoleHost
}

type Participant struct {
	ID              ParticipantID
	Name            string
	IsHost          bool
	IsSpeaker       bool
	IsSpeaking      bool
	IsScreenSharing bool
	JoinedAt        time.Time
	LeftAt          *time.Time
	SpeakingSince   *time.Time
	SpeakingTime    time.Duration
}

// Active reports whether the participant has not left.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

type SpeakerRequest struct {
	RequesterID ParticipantID
	Timestamp   int64
}

// ParticipantStatus is one entry of a user-status-update broadcast.
type ParticipantStatus struct {
	ID              ParticipantID `json:"id"`
	IsSpeaker       bool          `json:"isSpeaker"`
	IsHost          bool          `json:"isHost"`
	IsScreenSharing bool          `json:"isScreenSharing,omitempty"`
}

// Member is one entry of a users-list.
type Member struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
}
