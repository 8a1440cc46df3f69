package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luuplife/server/internal/session"
)

// MaxHistory is the number of messages kept in a room. Older messages are
// dropped when a new one is appended.
const MaxHistory = 500

// NewMessage builds a stored chat message with a fresh id.
func NewMessage(text string, now time.Time) session.ChatMessage {
	return session.ChatMessage{
		ID:        uuid.NewString(),
		Text:      strings.TrimSpace(text),
		Timestamp: now.UTC(),
	}
}

// Append returns a new history with msg appended, keeping at most MaxHistory
// of the most recent messages. history is not modified.
func Append(history []session.ChatMessage, msg session.ChatMessage) []session.ChatMessage {
	start := 0
	if len(history)+1 > MaxHistory {
		start = len(history) + 1 - MaxHistory
	}
	out := make([]session.ChatMessage, 0, len(history)-start+1)
	out = append(out, history[start:]...)
	return append(out, msg)
}
