package ws

import (
	"log/slog"
	"time"

	"github.com/luuplife/server/internal/metrics"
	"github.com/luuplife/server/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.ChatMsg, protocol.DrawMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *slog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher. Handlers must be
// registered before the server starts reading.
func NewMessageDispatcher(logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logger.With("component", "dispatcher"),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// according to the connection's channel, handles ping internally, and routes
// all other types to the registered handler. Parse errors and unregistered
// types result in an error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(conn.Channel, data)
	if err != nil {
		d.log.Debug("dispatch parse error", "conn", conn.ID, "session", conn.SessionID, "error", err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler, answered without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", "type", msgType, "conn", conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	start := time.Now()
	handler(conn, msg)
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	SendError(conn, code, message, d.log)
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Error("failed to build pong message", "conn", conn.ID, "error", err)
		return
	}

	if err := conn.Send(data); err != nil {
		d.log.Debug("failed to send pong message", "conn", conn.ID, "error", err)
	}
}

// SendError queues an error message on conn.
func SendError(conn *Connection, code, message string, logger *slog.Logger) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		logger.Error("failed to build error message", "conn", conn.ID, "error", err)
		return
	}

	if err := conn.Send(data); err != nil {
		logger.Debug("failed to send error message", "conn", conn.ID, "error", err)
	}
}
