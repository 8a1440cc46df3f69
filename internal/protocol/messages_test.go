package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing chat messages with and without a type field
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	inputs := []string{
		`{"type":"message","text":"Hello!"}`,
		`{"text":"Hello!"}`,
	}

	for _, input := range inputs {
		msgType, msg, err := ParseClientMessage(ChannelChat, []byte(input))
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", input, err)
		}
		if msgType != TypeMessage {
			t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
		}

		cm, ok := msg.(ChatMsg)
		if !ok {
			t.Fatalf("expected ChatMsg, got %T", msg)
		}
		if cm.Text != "Hello!" {
			t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
		}
	}
}

func TestParseClientMessage_ChatUnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage(ChannelChat, []byte(`{"type":"typing"}`))
	if err == nil {
		t.Fatal("expected an error for unknown chat message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
	if msgType != "typing" {
		t.Errorf("expected returned type %q, got %q", "typing", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Whiteboard frames are opaque drawing events
// ---------------------------------------------------------------------------

func TestParseClientMessage_Draw(t *testing.T) {
	input := []byte(` {"type":"line","points":[[0,0],[10,10]],"color":"#f00"}`)

	msgType, msg, err := ParseClientMessage(ChannelWhiteboard, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeDraw {
		t.Fatalf("expected type %q, got %q", TypeDraw, msgType)
	}

	dm, ok := msg.(DrawMsg)
	if !ok {
		t.Fatalf("expected DrawMsg, got %T", msg)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(dm.Event, &event); err != nil {
		t.Fatalf("event is not valid JSON: %v", err)
	}
	if event["color"] != "#f00" {
		t.Errorf("expected color %q, got %v", "#f00", event["color"])
	}
}

func TestParseClientMessage_DrawNotObject(t *testing.T) {
	for _, input := range []string{`null`, `"line"`, `[1,2]`} {
		if _, _, err := ParseClientMessage(ChannelWhiteboard, []byte(input)); err == nil {
			t.Errorf("expected error for %s, got nil", input)
		}
	}
}

func TestParseClientMessage_NonStringTypeIsNotDiscriminator(t *testing.T) {
	msgType, _, err := ParseClientMessage(ChannelWhiteboard, []byte(`{"type":3,"x":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeDraw {
		t.Errorf("expected type %q, got %q", TypeDraw, msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Ping is accepted on every channel
// ---------------------------------------------------------------------------

func TestParseClientMessage_PingAllChannels(t *testing.T) {
	for _, ch := range []Channel{ChannelChat, ChannelWhiteboard, ChannelPoll} {
		msgType, msg, err := ParseClientMessage(ch, []byte(`{"type":"ping"}`))
		if err != nil {
			t.Fatalf("channel %s: unexpected error: %v", ch, err)
		}
		if msgType != TypePing {
			t.Errorf("channel %s: expected type %q, got %q", ch, TypePing, msgType)
		}
		if _, ok := msg.(PingMsg); !ok {
			t.Errorf("channel %s: expected PingMsg, got %T", ch, msg)
		}
	}
}

func TestParseClientMessage_PollRejectsData(t *testing.T) {
	if _, _, err := ParseClientMessage(ChannelPoll, []byte(`{"text":"hi"}`)); err == nil {
		t.Fatal("expected an error for data frame on poll channel, got nil")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage(ChannelChat, []byte(`{invalid json}`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_Chat(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypeMessage, ServerChatMsg{ID: "m1", Text: "hi", Timestamp: ts})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ServerChatMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeMessage {
		t.Errorf("expected type %q, got %q", TypeMessage, decoded.Type)
	}
	if decoded.ID != "m1" || decoded.Text != "hi" {
		t.Errorf("unexpected message: %+v", decoded)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %s, got %s", ts, decoded.Timestamp)
	}
}

func TestNewServerMessage_PollUpdate(t *testing.T) {
	data, err := NewServerMessage(TypePollUpdate, PollUpdateMsg{ResponseCount: 3, MinResponses: 3, ResultsShown: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypePollUpdate {
		t.Errorf("expected type %q, got %v", TypePollUpdate, result["type"])
	}
	if result["response_count"].(float64) != 3 {
		t.Errorf("expected response_count 3, got %v", result["response_count"])
	}
	if result["results_shown"] != true {
		t.Errorf("expected results_shown true, got %v", result["results_shown"])
	}
}

func TestNewServerMessage_DrawKeepsEvent(t *testing.T) {
	event := json.RawMessage(`{"type":"line","w":2}`)
	data, err := NewServerMessage(TypeDraw, ServerDrawMsg{Event: event})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ServerDrawMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeDraw {
		t.Errorf("expected outer type %q, got %q", TypeDraw, decoded.Type)
	}

	var inner map[string]interface{}
	if err := json.Unmarshal(decoded.Event, &inner); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if inner["type"] != "line" {
		t.Errorf("expected inner type %q, got %v", "line", inner["type"])
	}
}
