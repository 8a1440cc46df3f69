package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/luuplife/server/internal/broadcast"
	"github.com/luuplife/server/internal/protocol"
)

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("ws: connection closed")

// Connection represents a single WebSocket client connection. Outbound
// messages go through a bounded queue drained by a dedicated writer goroutine,
// so Send never blocks on the network.
type Connection struct {
	ID         string           // connection ID (UUID)
	SessionID  string           // session the connection belongs to
	Channel    protocol.Channel // kind of live session
	RemoteAddr string           // client address, used for rate limiting
	Conn       net.Conn         // underlying TCP connection
	CreatedAt  time.Time        // when the connection was established

	lastActivity atomic.Int64 // unix nanos of the last frame received
	processing   atomic.Bool  // set while a worker reads from the connection

	writeMu      sync.Mutex // serializes writes to this connection
	writeTimeout time.Duration
	queue        chan []byte
	done         chan struct{}
	writerDone   chan struct{}
	closeOnce    sync.Once
	onClose      func(*Connection)
}

func newConnection(id string, conn net.Conn, queueSize int, writeTimeout time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = 64
	}
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	c.touch()
	go c.writeLoop()
	return c
}

// LastActivity returns when the last frame was received from the client.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send enqueues a text frame. It returns broadcast.ErrSlowConsumer when the
// outbound queue is full and ErrClosed after Close.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- data:
		return nil
	default:
		return broadcast.ErrSlowConsumer
	}
}

// Close flushes queued messages, sends a close frame and closes the network
// connection. It is safe to call more than once and from any goroutine other
// than the writer.
func (c *Connection) Close() error {
	c.shutdown(true)
	return nil
}

func (c *Connection) shutdown(flush bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		if flush {
			<-c.writerDone
			c.flush()
		}

		// Unregister while the descriptor is still open so it cannot be
		// confused with a new connection reusing it.
		if c.onClose != nil {
			c.onClose(c)
		}

		c.writeMu.Lock()
		c.setWriteDeadline()
		_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		c.writeMu.Unlock()
		_ = c.Conn.Close()
	})
}

// writeLoop drains the queue until the connection is closed. A failed write
// closes the connection.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				// Close waits for this goroutine, so it must run elsewhere.
				go c.shutdown(false)
				return
			}
		}
	}
}

// flush writes whatever is still queued, such as a final session_ended
// notice, without blocking for new messages.
func (c *Connection) flush() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, msg)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Registry is a thread-safe index of live connections by connection ID and
// by network connection.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.byConn[c.Conn] = c
	r.mu.Unlock()
}

// Remove unregisters a connection. It reports whether the connection was
// registered, so concurrent removals clean up only once.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; !ok {
		return false
	}
	delete(r.byID, c.ID)
	delete(r.byConn, c.Conn)
	return true
}

// Get returns the connection with the given ID, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetByConn returns the connection wrapping nc, or nil.
func (r *Registry) GetByConn(nc net.Conn) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[nc]
}

// Count returns the current number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}
