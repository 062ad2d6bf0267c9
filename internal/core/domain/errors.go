package domain

import "errors"

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrEpisodeNotFound     = errors.New("episode not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrEpisodeNotLive      = errors.New("episode is not live")
	ErrLogNotFound         = errors.New("log not found")
	ErrRecordingNotFound   = errors.New("recording not found")

	ErrAlreadyPending   = errors.New("speaker request already pending")
	ErrAlreadySpeaker   = errors.New("participant is already a speaker")
	ErrNotPending       = errors.New("no pending speaker request")
	ErrNotSpeaker       = errors.New("participant is not a speaker")
	ErrNotHost          = errors.New("only the host can do this")
	ErrHostNotRevocable = errors.New("host cannot be revoked")

	ErrNotInCall       = errors.New("not in call")
	ErrAlreadyInCall   = errors.New("already in call")
	ErrAlreadySharing  = errors.New("screen share already active")
	ErrNotSharing      = errors.New("screen share not active")
	ErrRecordingActive = errors.New("recording already active")
	ErrRecordingIdle   = errors.New("recording not active")
	ErrLinkExists      = errors.New("peer link already exists")
	ErrLinkNotFound    = errors.New("peer link not found")
	ErrRoomClosed      = errors.New("room closed")
	ErrInvalidMessage  = errors.New("invalid message")
)
