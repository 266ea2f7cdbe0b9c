package room

import (
	"errors"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrEmptyMessage is returned when a chat message is empty after
// sanitization (e.g. it contained only HTML tags). Such messages are
// rejected client-side and never sent.
var ErrEmptyMessage = errors.New("chat message empty after sanitization")

// ChatMessage is an ephemeral room-scoped message. Nothing is persisted
// beyond process lifetime.
type ChatMessage struct {
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// SanitizeChat strips HTML tags, unescapes entities, trims whitespace and
// truncates to MaxChatLen runes. Returns ErrEmptyMessage if nothing
// survives.
func SanitizeChat(text string) (string, error) {
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxChatLen {
		runes := []rune(text)
		text = string(runes[:MaxChatLen])
	}
	return text, nil
}
