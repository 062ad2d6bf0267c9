package room

import (
	"time"

	"podlive/internal/core/domain"
)

// DefaultGracePeriod is how long a departed participant stays in the
// registry before it is purged.
const DefaultGracePeriod = 30 * time.Second

// Registry is the arena of participant records for one room. It is owned by
// the coordinator loop and never shared.
type Registry struct {
	grace time.Duration
	items map[domain.ParticipantID]*domain.Participant
	order []domain.ParticipantID
}

func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		grace: grace,
		items: make(map[domain.ParticipantID]*domain.Participant),
	}
}

// Upsert records an arrival. A soft-deleted participant is revived in place
// and keeps its accumulated speaking time.
func (r *Registry) Upsert(id domain.ParticipantID, name string, at time.Time) *domain.Participant {
	if p, ok := r.items[id]; ok {
		if name != "" {
			p.Name = name
		}
		if !p.Active() {
			p.LeftAt = nil
			p.JoinedAt = at
		}
		return p
	}
	if name == "" {
		name = string(id)
	}
	p := &domain.Participant{ID: id, Name: name, JoinedAt: at}
	r.items[id] = p
	r.order = append(r.order, id)
	return p
}

// Get returns the record for id, including departed participants within
// the grace window.
func (r *Registry) Get(id domain.ParticipantID) (*domain.Participant, bool) {
	p, ok := r.items[id]
	return p, ok
}

// IsActive reports whether id is present and has not left.
func (r *Registry) IsActive(id domain.ParticipantID) bool {
	p, ok := r.items[id]
	return ok && p.Active()
}

// MarkLeft soft-deletes id. It returns false when id was unknown or had
// already left.
func (r *Registry) MarkLeft(id domain.ParticipantID, at time.Time) bool {
	p, ok := r.items[id]
	if !ok || !p.Active() {
		return false
	}
	left := at
	p.LeftAt = &left
	p.IsSpeaking = false
	p.IsScreenSharing = false
	if p.SpeakingSince != nil {
		p.SpeakingTime += at.Sub(*p.SpeakingSince)
		p.SpeakingSince = nil
	}
	return true
}

// Purge drops participants whose grace window has elapsed and returns
// their ids.
func (r *Registry) Purge(now time.Time) []domain.ParticipantID {
	var purged []domain.ParticipantID
	kept := r.order[:0]
	for _, id := range r.order {
		p := r.items[id]
		if !p.Active() && now.Sub(*p.LeftAt) >= r.grace {
			delete(r.items, id)
			purged = append(purged, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return purged
}

// Active lists present participants in arrival order.
func (r *Registry) Active() []*domain.Participant {
	out := make([]*domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		if p := r.items[id]; p.Active() {
			out = append(out, p)
		}
	}
	return out
}
