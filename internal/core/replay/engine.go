// Package replay reconstructs historical room state from the persisted
// session, speech and chat logs. Every function is a pure fold over its
// inputs; nothing is cached between calls.
package replay

import (
	"sort"

	"podlive/internal/core/domain"
)

// State is the room as it stood at a cursor.
type State struct {
	// Active members in order of their most recent join.
	Active   []domain.ParticipantID
	Speakers map[domain.ParticipantID]bool
	Speaking map[domain.ParticipantID]bool
	Sharing  map[domain.ParticipantID]bool
}

// IsActive reports membership at the cursor.
func (s State) IsActive(id domain.ParticipantID) bool {
	for _, a := range s.Active {
		if a == id {
			return true
		}
	}
	return false
}

// FirstJoin returns the earliest join timestamp, or false when no one joined.
func FirstJoin(events []domain.SessionEvent) (int64, bool) {
	var (
		first int64
		found bool
	)
	for _, ev := range events {
		if ev.Type != domain.EventJoin {
			continue
		}
		if !found || ev.Timestamp < first {
			first = ev.Timestamp
			found = true
		}
	}
	return first, found
}

// ComputeState folds every event with timestamp <= firstJoin+cursorMs.
// Events with equal timestamps keep their log order.
func ComputeState(
	sessionEvents []domain.SessionEvent,
	speechEvents []domain.SpeechEvent,
	firstJoin, cursorMs int64,
	hostID domain.ParticipantID,
) State {
	cutoff := firstJoin + cursorMs

	session := make([]domain.SessionEvent, len(sessionEvents))
	copy(session, sessionEvents)
	sort.SliceStable(session, func(i, j int) bool {
		return session[i].Timestamp < session[j].Timestamp
	})

	// join order is tracked with a counter so re-joins move to the back
	joinedAt := make(map[domain.ParticipantID]int)
	granted := make(map[domain.ParticipantID]bool)
	sharing := make(map[domain.ParticipantID]bool)
	seq := 0

	for _, ev := range session {
		if ev.Timestamp > cutoff {
			break
		}
		switch ev.Type {
		case domain.EventJoin:
			if _, ok := joinedAt[ev.ClientID]; !ok {
				joinedAt[ev.ClientID] = seq
				seq++
			}
		case domain.EventLeave:
			delete(joinedAt, ev.ClientID)
			delete(sharing, ev.ClientID)
		case domain.EventSpeakerRequestResponse:
			if ev.IsApproval() && ev.Recipient != "" {
				granted[ev.Recipient] = true
			}
		case domain.EventRevokeSpeaker:
			if ev.Recipient != hostID {
				delete(granted, ev.Recipient)
			}
		case domain.EventScreenShareStarted:
			sharing[ev.ClientID] = true
		case domain.EventScreenShareStopped:
			delete(sharing, ev.ClientID)
		}
	}

	speech := make([]domain.SpeechEvent, len(speechEvents))
	copy(speech, speechEvents)
	sort.SliceStable(speech, func(i, j int) bool {
		return speech[i].Timestamp < speech[j].Timestamp
	})
	speakingNow := make(map[domain.ParticipantID]bool)
	for _, ev := range speech {
		if ev.Timestamp > cutoff {
			break
		}
		speakingNow[ev.ClientID] = ev.Speaking
	}

	active := make([]domain.ParticipantID, 0, len(joinedAt))
	for id := range joinedAt {
		active = append(active, id)
	}
	sort.Slice(active, func(i, j int) bool {
		return joinedAt[active[i]] < joinedAt[active[j]]
	})

	st := State{
		Active:   active,
		Speakers: make(map[domain.ParticipantID]bool),
		Speaking: make(map[domain.ParticipantID]bool),
		Sharing:  make(map[domain.ParticipantID]bool),
	}
	for _, id := range active {
		if id == hostID || granted[id] {
			st.Speakers[id] = true
		}
		if speakingNow[id] {
			st.Speaking[id] = true
		}
		if sharing[id] {
			st.Sharing[id] = true
		}
	}
	return st
}

// ChatUpTo returns the messages visible at the cursor in timestamp order.
func ChatUpTo(messages []domain.ChatMessage, firstJoin, cursorMs int64) []domain.ChatMessage {
	cutoff := firstJoin + cursorMs
	out := make([]domain.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Timestamp <= cutoff {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}
