package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ParticipantIDRegex validates participant (user) ids
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// EpisodeIDRegex validates episode ids
	EpisodeIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	MaxDisplayNameLength = 100
	MaxChatLength        = 2000
)

// ValidateParticipantID validates participant id
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("participant ID is too long (max 100 characters)")
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateEpisodeID validates episode id
func ValidateEpisodeID(id string) error {
	if id == "" {
		return fmt.Errorf("episode ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("episode ID is too long (max 100 characters)")
	}
	if !EpisodeIDRegex.MatchString(id) {
		return fmt.Errorf("invalid episode ID format")
	}
	return nil
}

// ValidateDisplayName validates the name a participant joins with
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("name is too long (max %d characters)", MaxDisplayNameLength)
	}
	return nil
}

// ValidateChatContent validates a chat message body
func ValidateChatContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("chat message is empty")
	}
	if utf8.RuneCountInString(content) > MaxChatLength {
		return fmt.Errorf("chat message is too long (max %d characters)", MaxChatLength)
	}
	return nil
}

// ValidateURL accepts absolute http(s) and ws(s) URLs.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
