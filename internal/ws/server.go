// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining the connections of live sessions, and
// dispatching incoming frames to the application.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/luuplife/server/internal/protocol"
)

// ErrTooManyConnections is returned by Upgrade when MaxConnections is reached.
var ErrTooManyConnections = errors.New("ws: too many connections")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // data frames above this size close the connection
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // per-connection outbound queue length
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		MaxFrameBytes:  64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests to WebSocket connections built on gobwas/ws.
// Connections are registered with a poller (epoll on Linux) for read
// readiness, and ready connections are handed to a bounded worker pool that
// reads one frame at a time.
type Server struct {
	config       ServerConfig
	poller       *poller
	conns        *Registry
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called once when a connection is removed
	log          *slog.Logger
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket data frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger *slog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:     config,
		conns:      NewRegistry(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		log:        logger.With("component", "ws"),
		done:       make(chan struct{}),
	}
}

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed, whether by a read error, a heartbeat timeout, a failed send or
// an explicit Close. The network connection is still open when it runs.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start creates the poller and begins the event loop and heartbeat monitor in
// background goroutines. It returns immediately.
func (s *Server) Start() error {
	p, err := newPoller(s.dispatch)
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = p

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.poller.Run(s.done); err != nil {
			s.log.Error("event loop stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHeartbeat(s.config.Heartbeat)
	}()

	s.log.Info("websocket server started",
		"workers", s.config.WorkerPoolSize, "max_conns", s.config.MaxConnections)
	return nil
}

// Upgrade upgrades an HTTP request to a WebSocket connection bound to the
// given session and registers it for reads. On failure the response has
// already been written by the upgrader or, for ErrTooManyConnections, must
// be written by the caller.
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request, sessionID string, ch protocol.Channel) (*Connection, error) {
	if s.poller == nil {
		return nil, errors.New("ws: server not started")
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		return nil, ErrTooManyConnections
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade failed: %w", err)
	}

	c := newConnection(uuid.NewString(), netConn, s.config.SendQueueSize, s.config.WriteTimeout)
	c.SessionID = sessionID
	c.Channel = ch
	c.RemoteAddr = ClientIP(r)
	c.onClose = s.release

	s.conns.Add(c)
	if err := s.poller.Add(netConn); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ws: poller add failed: %w", err)
	}

	s.log.Debug("new connection",
		"conn", c.ID, "session", sessionID, "channel", ch, "total", s.conns.Count())
	return c, nil
}

// dispatch is called by the poller for every ready connection.
func (s *Server) dispatch(netConn net.Conn) {
	if readInline {
		s.handleConn(netConn)
		return
	}

	// Acquire a worker slot (blocks if pool is full).
	select {
	case s.workerPool <- struct{}{}:
	case <-s.done:
		return
	}
	go func() {
		defer func() { <-s.workerPool }()
		s.handleConn(netConn)
	}()
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. A failed read closes the
// connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		_ = c.Close()
		return
	}

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		// Control payloads are at most 125 bytes; drop them so the next
		// frame header starts at the right offset.
		if header.Length > 0 {
			_, _ = io.CopyN(io.Discard, reader, header.Length)
		}
		_ = netConn.SetReadDeadline(time.Time{})
		if header.OpCode == ws.OpClose {
			_ = c.Close()
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.log.Debug("frame too large", "conn", c.ID, "bytes", header.Length)
		_ = c.Close()
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			_ = c.Close()
			return
		}
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// release unregisters a closing connection. It runs once per connection, from
// Connection.Close.
func (s *Server) release(c *Connection) {
	if s.poller != nil {
		if err := s.poller.Remove(c.Conn); err != nil {
			s.log.Debug("poller remove failed", "conn", c.ID, "error", err)
		}
	}
	if !s.conns.Remove(c) {
		return
	}
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	s.log.Debug("connection closed", "conn", c.ID, "session", c.SessionID, "total", s.conns.Count())
}

// Connections returns the registry of live connections.
func (s *Server) Connections() *Registry {
	return s.conns
}

// Shutdown stops the event loop and heartbeat, closes every connection with a
// close frame and releases the poller. It returns early with ctx's error if
// the background goroutines do not stop in time.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	for _, c := range s.conns.All() {
		_ = c.Close()
	}

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if s.poller != nil {
		if cerr := s.poller.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.log.Info("websocket server stopped")
	return err
}

// ClientIP returns the client address without the port, preferring the first
// X-Forwarded-For entry set by the reverse proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
