package room

import (
	"time"

	"podlive/internal/core/domain"
	"podlive/internal/infrastructure/signal"
)

// State is the room as seen by the local participant. Handlers read and
// update it; only the coordinator loop holds it.
type State struct {
	Self     domain.ParticipantID
	SelfName string
	Episode  domain.EpisodeID
	Registry *Registry
	Roles    *RoleBook

	InCall    bool
	Sharing   bool
	Sharer    domain.ParticipantID
	Recording bool
	Ended     bool

	// AudioAbsent marks members whose audio link failed to connect.
	AudioAbsent map[domain.ParticipantID]bool

	Now func() time.Time
}

func NewState(self domain.ParticipantID, name string, episode domain.EpisodeID, host domain.ParticipantID, grace time.Duration) *State {
	s := &State{
		Self:        self,
		SelfName:    name,
		Episode:     episode,
		Registry:    NewRegistry(grace),
		Roles:       NewRoleBook(host),
		AudioAbsent: make(map[domain.ParticipantID]bool),
		Now:         time.Now,
	}
	p := s.Registry.Upsert(self, name, s.Now())
	s.syncFlags(p)
	return s
}

func (s *State) IsHost() bool {
	return s.Self != "" && s.Self == s.Roles.Host()
}

func (s *State) SelfRole() domain.Role {
	return s.Roles.Role(s.Self)
}

func (s *State) nowMillis() int64 {
	return domain.Millis(s.Now())
}

// Peers lists active members other than the local participant.
func (s *State) Peers() []domain.ParticipantID {
	var out []domain.ParticipantID
	for _, p := range s.Registry.Active() {
		if p.ID != s.Self {
			out = append(out, p.ID)
		}
	}
	return out
}

func (s *State) activeIDs() []domain.ParticipantID {
	active := s.Registry.Active()
	out := make([]domain.ParticipantID, 0, len(active))
	for _, p := range active {
		out = append(out, p.ID)
	}
	return out
}

// statusUpdate is the host's broadcast of every active member's role.
func (s *State) statusUpdate() signal.Message {
	return signal.Message{
		Type:     signal.TypeUserStatusUpdate,
		Statuses: s.Roles.Statuses(s.activeIDs(), s.Sharer),
	}
}

// syncFlags copies the role book onto a participant record.
func (s *State) syncFlags(p *domain.Participant) {
	role := s.Roles.Role(p.ID)
	p.IsHost = role == domain.RoleHost
	p.IsSpeaker = role.CanSpeak()
	p.IsScreenSharing = s.Sharer != "" && s.Sharer == p.ID
}

func (s *State) syncAll() {
	for _, p := range s.Registry.Active() {
		s.syncFlags(p)
	}
}

func (s *State) name(id domain.ParticipantID) string {
	if p, ok := s.Registry.Get(id); ok {
		return p.Name
	}
	return string(id)
}

// setSpeaking records a speaking transition for id at the given time.
func (s *State) setSpeaking(id domain.ParticipantID, speaking bool, at time.Time, since time.Time) {
	p, ok := s.Registry.Get(id)
	if !ok || !p.Active() {
		return
	}
	p.IsSpeaking = speaking
	if speaking {
		start := at
		p.SpeakingSince = &start
		return
	}
	switch {
	case !since.IsZero() && !at.Before(since):
		p.SpeakingTime += at.Sub(since)
	case p.SpeakingSince != nil:
		p.SpeakingTime += at.Sub(*p.SpeakingSince)
	}
	p.SpeakingSince = nil
}
