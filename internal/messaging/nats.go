// Package messaging provides a NATS client wrapper for session lifecycle
// events. Every server instance publishes session.ended.<id> when a session is
// deleted or reaped and closes its own live connections when it receives one,
// so members connected to another instance are disconnected as well.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectSessionEnded = "session.ended" // + .<session_id>
)

// SessionEndedEvent is the payload of a session.ended.<id> message.
type SessionEndedEvent struct {
	SessionID string    `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *slog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "luupd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		log:  logger,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishSessionEnded publishes a session.ended.<id> event.
func (c *NATSClient) PublishSessionEnded(sessionID string) error {
	data, err := EncodeSessionEnded(sessionID, time.Now())
	if err != nil {
		return err
	}
	return c.Publish(SessionEndedSubject(sessionID), data)
}

// SessionEnded implements session.Notifier for the other server instances.
// Publish failures are logged.
func (c *NATSClient) SessionEnded(sessionID string) {
	if err := c.PublishSessionEnded(sessionID); err != nil {
		c.log.Warn("publishing session ended failed", "session", sessionID, "error", err)
	}
}

// SubscribeSessionEnded calls handler with the id of every ended session,
// including sessions ended by this process.
func (c *NATSClient) SubscribeSessionEnded(handler func(sessionID string)) error {
	return c.Subscribe(SubjectSessionEnded+".*", func(msg *nats.Msg) {
		id, err := DecodeSessionEnded(msg.Subject, msg.Data)
		if err != nil {
			c.log.Warn("invalid session ended event", "subject", msg.Subject, "error", err)
			return
		}
		handler(id)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain failed", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain failed", "error", err)
	}

	c.log.Info("client closed")
}

// SessionEndedSubject returns the subject for the given session.
func SessionEndedSubject(sessionID string) string {
	return SubjectSessionEnded + "." + sessionID
}

// EncodeSessionEnded builds the payload of a session ended event.
func EncodeSessionEnded(sessionID string, at time.Time) ([]byte, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, ".*> ") {
		return nil, fmt.Errorf("messaging: invalid session id %q", sessionID)
	}
	return json.Marshal(SessionEndedEvent{SessionID: sessionID, EndedAt: at.UTC()})
}

// DecodeSessionEnded extracts the session id from a session ended event. The
// id in the payload must match the subject.
func DecodeSessionEnded(subject string, data []byte) (string, error) {
	fromSubject, ok := strings.CutPrefix(subject, SubjectSessionEnded+".")
	if !ok || fromSubject == "" {
		return "", fmt.Errorf("messaging: unexpected subject %q", subject)
	}
	var ev SessionEndedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", fmt.Errorf("messaging: decode session ended: %w", err)
	}
	if ev.SessionID != fromSubject {
		return "", fmt.Errorf("messaging: subject %q does not match session %q", subject, ev.SessionID)
	}
	return ev.SessionID, nil
}
