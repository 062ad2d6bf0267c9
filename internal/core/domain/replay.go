package domain

// ReplayParticipant is one hydrated tile of the replay view.
type ReplayParticipant struct {
	ID              ParticipantID `json:"id"`
	Username        string        `json:"username"`
	ProfilePicture  string        `json:"profile_picture,omitempty"`
	IsHost          bool          `json:"is_host"`
	IsSpeaker       bool          `json:"is_speaker"`
	IsSpeaking      bool          `json:"is_speaking"`
	IsScreenSharing bool          `json:"is_screen_sharing"`
	Placeholder     bool          `json:"placeholder,omitempty"`
}

// ReplayView is the room as seen at a cursor offset.
type ReplayView struct {
	EpisodeID    EpisodeID           `json:"episode_id"`
	HostID       ParticipantID       `json:"host_id"`
	FirstJoin    int64               `json:"first_join"`
	CursorMs     int64               `json:"cursor_ms"`
	Participants []ReplayParticipant `json:"participants"`
	Chat         []ChatMessage       `json:"chat"`
}
