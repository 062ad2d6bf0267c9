package room

import (
	"sort"

	"podlive/internal/core/domain"
)

// RoleBook tracks speaking roles for one room. The host's copy is
// authoritative; every other copy follows Reconcile.
type RoleBook struct {
	host    domain.ParticipantID
	roles   map[domain.ParticipantID]domain.Role
	pending map[domain.ParticipantID]domain.SpeakerRequest
}

func NewRoleBook(host domain.ParticipantID) *RoleBook {
	b := &RoleBook{
		host:    host,
		roles:   make(map[domain.ParticipantID]domain.Role),
		pending: make(map[domain.ParticipantID]domain.SpeakerRequest),
	}
	if host != "" {
		b.roles[host] = domain.RoleHost
	}
	return b
}

func (b *RoleBook) Host() domain.ParticipantID { return b.host }

func (b *RoleBook) Role(id domain.ParticipantID) domain.Role {
	if id == b.host && id != "" {
		return domain.RoleHost
	}
	return b.roles[id]
}

// Request moves a listener to pending. A second request while pending
// returns ErrAlreadyPending and keeps the original entry.
func (b *RoleBook) Request(id domain.ParticipantID, at int64) error {
	switch b.Role(id) {
	case domain.RolePendingSpeaker:
		return domain.ErrAlreadyPending
	case domain.RoleSpeaker, domain.RoleHost:
		return domain.ErrAlreadySpeaker
	}
	b.roles[id] = domain.RolePendingSpeaker
	b.pending[id] = domain.SpeakerRequest{RequesterID: id, Timestamp: at}
	return nil
}

// Approve grants a pending request. It reports whether the role changed;
// approving an existing speaker is a no-op.
func (b *RoleBook) Approve(id domain.ParticipantID) (bool, error) {
	switch b.Role(id) {
	case domain.RoleSpeaker, domain.RoleHost:
		return false, nil
	case domain.RoleListener:
		return false, domain.ErrNotPending
	}
	b.roles[id] = domain.RoleSpeaker
	delete(b.pending, id)
	return true, nil
}

// Decline returns a pending participant to listener. The host declining and
// the requester withdrawing both land here.
func (b *RoleBook) Decline(id domain.ParticipantID) error {
	if b.Role(id) != domain.RolePendingSpeaker {
		return domain.ErrNotPending
	}
	b.roles[id] = domain.RoleListener
	delete(b.pending, id)
	return nil
}

// Revoke demotes a speaker. The host is never demoted.
func (b *RoleBook) Revoke(id domain.ParticipantID) error {
	switch b.Role(id) {
	case domain.RoleHost:
		return domain.ErrHostNotRevocable
	case domain.RoleSpeaker:
		b.roles[id] = domain.RoleListener
		return nil
	}
	return domain.ErrNotSpeaker
}

// Grant records a speaker the host approved as seen by a non-host copy.
func (b *RoleBook) Grant(id domain.ParticipantID) {
	if b.Role(id) == domain.RoleHost {
		return
	}
	b.roles[id] = domain.RoleSpeaker
	delete(b.pending, id)
}

// Reconcile replaces the speaker set with a host broadcast. Participants
// missing from statuses keep their current role; a pending request survives
// unless the broadcast names the requester a speaker.
func (b *RoleBook) Reconcile(statuses []domain.ParticipantStatus) {
	for _, s := range statuses {
		switch {
		case s.ID == b.host:
		case s.IsHost:
			// only one host per room; a status claiming otherwise is ignored
		case s.IsSpeaker:
			b.roles[s.ID] = domain.RoleSpeaker
			delete(b.pending, s.ID)
		case b.roles[s.ID] == domain.RolePendingSpeaker:
		default:
			b.roles[s.ID] = domain.RoleListener
		}
	}
}

// Forget drops a purged participant.
func (b *RoleBook) Forget(id domain.ParticipantID) {
	if id == b.host {
		return
	}
	delete(b.roles, id)
	delete(b.pending, id)
}

// Pending lists open requests, oldest first.
func (b *RoleBook) Pending() []domain.SpeakerRequest {
	out := make([]domain.SpeakerRequest, 0, len(b.pending))
	for _, r := range b.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].RequesterID < out[j].RequesterID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Statuses builds a user-status-update payload for ids.
func (b *RoleBook) Statuses(ids []domain.ParticipantID, sharing domain.ParticipantID) []domain.ParticipantStatus {
	out := make([]domain.ParticipantStatus, 0, len(ids))
	for _, id := range ids {
		role := b.Role(id)
		out = append(out, domain.ParticipantStatus{
			ID:              id,
			IsHost:          role == domain.RoleHost,
			IsSpeaker:       role.CanSpeak(),
			IsScreenSharing: sharing != "" && id == sharing,
		})
	}
	return out
}
