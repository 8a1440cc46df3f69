// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeMessage = "message"
	TypeDraw    = "draw"
	TypePing    = "ping"
)

// Server -> Client message types. TypeMessage and TypeDraw are echoed back
// to every member of the session.
const (
	TypePollUpdate   = "poll_update"
	TypeSessionEnded = "session_ended"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// Channel names the kind of live session a connection belongs to. It decides
// how a frame without a type field is interpreted.
type Channel string

const (
	ChannelChat       Channel = "chat"
	ChannelWhiteboard Channel = "whiteboard"
	ChannelPoll       Channel = "quick-poll"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct. Type is empty when the frame carries none.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	e.Type = ""
	if len(partial.Type) > 0 {
		// Drawing events may use "type" for their own purposes; only a
		// string is treated as the discriminator.
		_ = json.Unmarshal(partial.Type, &e.Type)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatMsg is a text message posted to a chat room. Clients may omit the type.
type ChatMsg struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// DrawMsg carries one whiteboard drawing event. The event is opaque to the
// server and stored as received.
type DrawMsg struct {
	Event json.RawMessage
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ServerChatMsg is a chat message as stored, relayed to every member.
type ServerChatMsg struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerDrawMsg relays a drawing event to every member of a whiteboard.
type ServerDrawMsg struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// PollUpdateMsg is sent to poll members after every accepted submission.
type PollUpdateMsg struct {
	Type          string `json:"type"`
	ResponseCount int    `json:"response_count"`
	MinResponses  int    `json:"min_responses"`
	ResultsShown  bool   `json:"results_shown"`
}

// SessionEndedMsg is sent right before the server closes the connections of
// a session that was deleted or expired.
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes received on channel ch into a
// typed client message. It returns the message type string, the decoded
// struct, and any error encountered during parsing.
//
// On the chat channel a frame without a type is a message; on the whiteboard
// channel every frame other than a ping is a drawing event.
func ParseClientMessage(ch Channel, data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	if env.Type == TypePing {
		return TypePing, PingMsg{Type: TypePing}, nil
	}

	switch ch {
	case ChannelChat:
		if env.Type != "" && env.Type != TypeMessage {
			return env.Type, nil, fmt.Errorf("protocol: unknown chat message type: %q", env.Type)
		}
		var m ChatMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return TypeMessage, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", TypeMessage, err)
		}
		return TypeMessage, m, nil
	case ChannelWhiteboard:
		event := bytes.TrimSpace(env.Raw)
		if len(event) == 0 || event[0] != '{' {
			return TypeDraw, nil, fmt.Errorf("protocol: drawing event must be a JSON object")
		}
		return TypeDraw, DrawMsg{Event: event}, nil
	case ChannelPoll:
		return env.Type, nil, fmt.Errorf("protocol: quick poll connections only accept pings")
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown channel %q", ch)
	}
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
