package domain

type User struct {
	ID             ParticipantID `json:"id"`
	Username       string        `json:"username"`
	ProfilePicture string        `json:"profile_picture,omitempty"`
}

type Episode struct {
	ID        EpisodeID     `json:"id"`
	Name      string        `json:"name"`
	CreatorID ParticipantID `json:"creator_id"`
	Type      string        `json:"type"`
	IsActive  bool          `json:"is_active"`
}

const EpisodeTypeLive = "live"

// Live reports whether clients may join the episode room.
func (e *Episode) Live() bool {
	return e.Type == EpisodeTypeLive && e.IsActive
}
