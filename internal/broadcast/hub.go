// Package broadcast fans messages out to every live connection of a session.
// It knows nothing about the transport; connections are anything that can
// accept a message without blocking and be closed.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/luuplife/server/internal/metrics"
)

// ErrSlowConsumer is returned by a Conn whose outbound queue is full. The hub
// treats it like any other send error and drops the connection.
var ErrSlowConsumer = errors.New("broadcast: slow consumer")

// Conn is a live client connection. Send must not block on the network.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

// room holds the connections of one session. Its mutex serializes joins,
// leaves and broadcasts of that session only.
type room struct {
	mu    sync.Mutex
	conns map[Conn]struct{}
	dead  bool // set once the room was removed from the hub
}

// Hub maps session ids to rooms. The hub mutex guards only the room map and is
// never held while sending.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
	log   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms: make(map[string]*room),
		log:   logger.With("component", "broadcast"),
	}
}

// Connect registers conn as a member of session id. Connecting the same conn
// twice has no effect.
func (h *Hub) Connect(id string, conn Conn) {
	for {
		r := h.getOrCreate(id)
		r.mu.Lock()
		if r.dead {
			// Lost a race with the removal of an empty room; use a fresh one.
			r.mu.Unlock()
			continue
		}
		if _, ok := r.conns[conn]; !ok {
			r.conns[conn] = struct{}{}
			metrics.ConnectionsTotal.Inc()
		}
		n := len(r.conns)
		r.mu.Unlock()
		h.log.Debug("connection joined", "session", id, "members", n)
		return
	}
}

// Disconnect removes conn from session id without closing it. The room is
// removed once its last member leaves. Unknown connections are ignored.
func (h *Hub) Disconnect(id string, conn Conn) {
	r := h.get(id)
	if r == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.conns[conn]; ok {
		delete(r.conns, conn)
		metrics.ConnectionsTotal.Dec()
	}
	h.dropIfEmptyLocked(id, r)
	r.mu.Unlock()
}

// Broadcast sends msg to every member of session id and returns the number of
// members that accepted it. Members whose send fails are removed and closed;
// the others still receive the message. Broadcasting to a session without
// members is a no-op.
func (h *Hub) Broadcast(id string, msg []byte) int {
	r := h.get(id)
	if r == nil {
		return 0
	}

	var failed []Conn
	delivered := 0

	r.mu.Lock()
	for c := range r.conns {
		if err := c.Send(msg); err != nil {
			h.log.Debug("dropping connection after failed send", "session", id, "error", err)
			delete(r.conns, c)
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	h.dropIfEmptyLocked(id, r)
	r.mu.Unlock()

	for _, c := range failed {
		_ = c.Close()
	}
	if n := len(failed); n > 0 {
		metrics.ConnectionsTotal.Sub(float64(n))
		metrics.BroadcastDeliveries.WithLabelValues("dropped").Add(float64(n))
	}
	metrics.BroadcastDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	return delivered
}

// Count returns the number of members of session id.
func (h *Hub) Count(id string) int {
	r := h.get(id)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Sessions returns the ids of all sessions with at least one member.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

// CloseSession closes and removes every member of session id.
func (h *Hub) CloseSession(id string) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	if ok {
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	r.dead = true
	conns := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = map[Conn]struct{}{}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	metrics.ConnectionsTotal.Sub(float64(len(conns)))
	metrics.LiveSessions.Dec()
	if len(conns) > 0 {
		h.log.Info("session room closed", "session", id, "members", len(conns))
	}
}

// SessionEnded closes the room of a session that was deleted or reaped.
func (h *Hub) SessionEnded(id string) {
	h.CloseSession(id)
}

// Close closes every connection of every session.
func (h *Hub) Close() {
	for _, id := range h.Sessions() {
		h.CloseSession(id)
	}
}

func (h *Hub) get(id string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[id]
}

func (h *Hub) getOrCreate(id string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = &room{conns: make(map[Conn]struct{})}
		h.rooms[id] = r
		metrics.LiveSessions.Inc()
	}
	return r
}

// dropIfEmptyLocked removes r from the hub when it has no members. The caller
// holds r.mu; lock order is room then hub.
func (h *Hub) dropIfEmptyLocked(id string, r *room) {
	if len(r.conns) > 0 || r.dead {
		return
	}
	h.mu.Lock()
	if h.rooms[id] == r {
		delete(h.rooms, id)
		metrics.LiveSessions.Dec()
	}
	h.mu.Unlock()
	r.dead = true
}
