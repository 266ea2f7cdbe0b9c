// Package room models meetings and the in-memory roster of a joined room.
package room

import (
	"errors"
	"strings"
	"time"
)

// Limits applied before anything reaches the relay.
const (
	MaxTitleLen       = 100
	MaxChatLen        = 500
	DefaultMaxMembers = 8
)

var (
	ErrEmptyTitle   = errors.New("meeting title is empty")
	ErrTitleTooLong = errors.New("meeting title exceeds 100 characters")
)

// Status of a meeting as reported by the relay.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Meeting is the metadata for a room, created via the meeting API and
// looked up by code when joining.
type Meeting struct {
	Code            Code      `json:"code"`
	Title           string    `json:"title"`
	CreatorID       string    `json:"creatorId"`
	MaxParticipants int       `json:"maxParticipants"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ValidateTitle trims the title and enforces the length cap.
func ValidateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrEmptyTitle
	}
	if len(title) > MaxTitleLen {
		return "", ErrTitleTooLong
	}
	return title, nil
}
