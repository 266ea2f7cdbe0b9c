package room

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeChat(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello there", "hello there"},
		{"strips tags", "<b>bold</b> text", "bold text"},
		{"strips script", `<script>alert("x")</script>hi`, `alert("x")hi`},
		{"unescapes entities", "a &amp; b", "a & b"},
		{"trims whitespace", "  spaced out  ", "spaced out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeChat(tt.input)
			if err != nil {
				t.Fatalf("SanitizeChat(%q) = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("SanitizeChat(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeChatRejectsEmpty(t *testing.T) {
	for _, input := range []string{"", "   ", "<b></b>", "<div><span></span></div>"} {
		_, err := SanitizeChat(input)
		if !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("SanitizeChat(%q) = %v, want ErrEmptyMessage", input, err)
		}
	}
}

func TestSanitizeChatTruncates(t *testing.T) {
	long := strings.Repeat("x", 600)
	got, err := SanitizeChat(long)
	if err != nil {
		t.Fatalf("SanitizeChat: %v", err)
	}
	if len(got) != MaxChatLen {
		t.Errorf("len = %d, want %d", len(got), MaxChatLen)
	}

	// Truncation counts runes, not bytes.
	longRunes := strings.Repeat("é", 600)
	got, err = SanitizeChat(longRunes)
	if err != nil {
		t.Fatalf("SanitizeChat: %v", err)
	}
	if n := utf8.RuneCountInString(got); n != MaxChatLen {
		t.Errorf("rune count = %d, want %d", n, MaxChatLen)
	}
}

func TestValidateTitle(t *testing.T) {
	if _, err := ValidateTitle("   "); !errors.Is(err, ErrEmptyTitle) {
		t.Errorf("blank title: err = %v, want ErrEmptyTitle", err)
	}
	if _, err := ValidateTitle(strings.Repeat("t", MaxTitleLen+1)); !errors.Is(err, ErrTitleTooLong) {
		t.Errorf("long title: err = %v, want ErrTitleTooLong", err)
	}
	got, err := ValidateTitle("  Weekly sync  ")
	if err != nil || got != "Weekly sync" {
		t.Errorf("ValidateTitle = %q, %v", got, err)
	}
}
