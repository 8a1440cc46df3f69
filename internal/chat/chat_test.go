package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/luuplife/server/internal/session"
)

func TestValidateMessage(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"ok", "hello", false},
		{"empty", "", true},
		{"whitespace", "   \n", true},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), true},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), true},
		{"max chars", strings.Repeat("a", MaxTextChars), false},
		{"invalid utf8", "\xff\xfe", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessage(tc.text)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateMessage(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestValidateRoomName(t *testing.T) {
	if err := ValidateRoomName("Team standup"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateRoomName(" "); err == nil {
		t.Fatal("expected error for blank name")
	}
	if err := ValidateRoomName(strings.Repeat("x", MaxRoomName+1)); err == nil {
		t.Fatal("expected error for long name")
	}
}

func TestNewMessage(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	a := NewMessage("  hi  ", now)
	b := NewMessage("hi", now)

	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
	if a.Text != "hi" {
		t.Errorf("expected trimmed text, got %q", a.Text)
	}
	if a.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %s", a.Timestamp.Location())
	}
}

func TestAppend_KeepsMostRecent(t *testing.T) {
	var history []session.ChatMessage
	for i := 0; i < MaxHistory+10; i++ {
		history = Append(history, session.ChatMessage{ID: string(rune('a' + i%26))})
	}
	if len(history) != MaxHistory {
		t.Fatalf("expected %d messages, got %d", MaxHistory, len(history))
	}

	prev := []session.ChatMessage{{ID: "1"}}
	next := Append(prev, session.ChatMessage{ID: "2"})
	if len(prev) != 1 || len(next) != 2 || next[1].ID != "2" {
		t.Fatalf("append modified input or lost message: prev=%v next=%v", prev, next)
	}
}
