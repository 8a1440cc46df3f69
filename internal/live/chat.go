package live

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/luuplife/server/internal/chat"
	"github.com/luuplife/server/internal/metrics"
	"github.com/luuplife/server/internal/protocol"
	"github.com/luuplife/server/internal/ratelimit"
	"github.com/luuplife/server/internal/session"
)

// CreateChatRoom creates an empty chat room with the given name.
func (s *Service) CreateChatRoom(ctx context.Context, name string) (*session.Record, error) {
	if err := chat.ValidateRoomName(name); err != nil {
		return nil, invalid("%v", err)
	}
	if err := s.moderate("", name); err != nil {
		return nil, err
	}
	return s.store.Create(ctx, session.KindChatRoom, &session.ChatRoom{
		Name:     strings.TrimSpace(name),
		Messages: []session.ChatMessage{},
	})
}

// PostChatMessage stores a message in a chat room and relays it to every
// member. sender identifies the client for rate limiting.
func (s *Service) PostChatMessage(ctx context.Context, id, sender, text string) (session.ChatMessage, error) {
	if err := s.allow(ctx, sender, ratelimit.RuleMessage); err != nil {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return session.ChatMessage{}, err
	}
	if err := chat.ValidateMessage(text); err != nil {
		return session.ChatMessage{}, invalid("%v", err)
	}
	if err := s.moderate(id, text); err != nil {
		return session.ChatMessage{}, err
	}

	unlock := s.lock(id)
	defer unlock()

	rec, err := s.Get(ctx, id, session.KindChatRoom)
	if err != nil {
		return session.ChatMessage{}, err
	}
	room := rec.Payload.(*session.ChatRoom)

	msg := chat.NewMessage(text, s.store.Now())
	if _, err := notFound(s.store.Update(ctx, id, session.ChatRoomPatch{
		Messages: chat.Append(room.Messages, msg),
	})); err != nil {
		return session.ChatMessage{}, err
	}

	metrics.MessagesTotal.WithLabelValues("chat").Inc()
	s.broadcast(id, protocol.TypeMessage, protocol.ServerChatMsg{
		ID:        msg.ID,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	return msg, nil
}

// CreateWhiteboard creates an empty whiteboard.
func (s *Service) CreateWhiteboard(ctx context.Context) (*session.Record, error) {
	return s.store.Create(ctx, session.KindWhiteboard, &session.Whiteboard{
		Drawings: []json.RawMessage{},
	})
}

// AddDrawing appends an opaque drawing event to a whiteboard and relays it to
// every member.
func (s *Service) AddDrawing(ctx context.Context, id, sender string, event json.RawMessage) error {
	if err := s.allow(ctx, sender, ratelimit.RuleDraw); err != nil {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return err
	}
	if !json.Valid(event) {
		return invalid("drawing event is not valid JSON")
	}

	unlock := s.lock(id)
	defer unlock()

	rec, err := s.Get(ctx, id, session.KindWhiteboard)
	if err != nil {
		return err
	}
	wb := rec.Payload.(*session.Whiteboard)
	if s.limits.MaxDrawings > 0 && len(wb.Drawings) >= s.limits.MaxDrawings {
		return invalid("whiteboard holds the maximum of %d drawings", s.limits.MaxDrawings)
	}

	drawings := make([]json.RawMessage, 0, len(wb.Drawings)+1)
	drawings = append(drawings, wb.Drawings...)
	drawings = append(drawings, append(json.RawMessage(nil), event...))
	if _, err := notFound(s.store.Update(ctx, id, session.WhiteboardPatch{Drawings: drawings})); err != nil {
		return err
	}

	metrics.MessagesTotal.WithLabelValues("draw").Inc()
	s.broadcast(id, protocol.TypeDraw, protocol.ServerDrawMsg{Event: event})
	return nil
}
