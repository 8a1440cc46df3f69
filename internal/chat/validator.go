package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxRoomName     = 80   // max characters in a room name
)

// ErrInvalidMessage is wrapped by every validation failure.
var ErrInvalidMessage = errors.New("chat: invalid message")

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

// ValidateRoomName checks the name given to a chat room at creation.
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: room name is empty", ErrInvalidMessage)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: room name contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(name) > MaxRoomName {
		return fmt.Errorf("%w: room name exceeds %d character limit", ErrInvalidMessage, MaxRoomName)
	}
	return nil
}
