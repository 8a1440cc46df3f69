package live

import (
	"context"
	"errors"
	"time"

	"github.com/luuplife/server/internal/protocol"
	"github.com/luuplife/server/internal/ws"
)

// handlerTimeout bounds the store work done for one inbound frame.
const handlerTimeout = 5 * time.Second

// RegisterHandlers routes chat messages and drawing events received on live
// connections to the service.
func (s *Service) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		_, err := s.PostChatMessage(ctx, conn.SessionID, conn.ID, m.Text)
		s.replyError(conn, err)
	})

	d.Register(protocol.TypeDraw, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.DrawMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		s.replyError(conn, s.AddDrawing(ctx, conn.SessionID, conn.ID, m.Event))
	})
}

// replyError tells the sender why its frame was not accepted. A session that
// is gone ends the connection.
func (s *Service) replyError(conn *ws.Connection, err error) {
	if err == nil {
		return
	}

	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		data, merr := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int((rl.RetryAfter + time.Second - 1) / time.Second),
		})
		if merr == nil {
			_ = conn.Send(data)
		}
	case errors.Is(err, ErrBlocked):
		ws.SendError(conn, "blocked", "message was blocked by moderation", s.log)
	case errors.Is(err, ErrInvalidInput):
		ws.SendError(conn, "invalid", err.Error(), s.log)
	case errors.Is(err, ErrNotFound):
		s.log.Debug("frame for ended session", "session", conn.SessionID, "conn", conn.ID)
		s.SessionEnded(conn.SessionID)
		_ = conn.Close()
	default:
		s.log.Warn("live message failed", "session", conn.SessionID, "conn", conn.ID, "error", err)
		ws.SendError(conn, "internal", "message could not be stored", s.log)
	}
}
