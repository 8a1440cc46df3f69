package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luuplife/server/internal/broadcast"
	"github.com/luuplife/server/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeConn returns a server-side Connection with a fresh id and the client
// end of the pipe.
func pipeConn(t *testing.T, queueSize int) (*Connection, net.Conn) {
	t.Helper()
	srv, cli := net.Pipe()
	c := newConnection(uuid.NewString(), srv, queueSize, time.Second)
	t.Cleanup(func() {
		_ = cli.Close()
		_ = c.Close()
	})
	return c, cli
}

func readServerText(t *testing.T, cli net.Conn) []byte {
	t.Helper()
	_ = cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, op, err := wsutil.ReadServerData(cli)
	require.NoError(t, err)
	require.Equal(t, ws.OpText, op)
	return data
}

func messageType(t *testing.T, data []byte) string {
	t.Helper()
	var m struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(data, &m))
	return m.Type
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

func TestConnection_SendWritesTextFrames(t *testing.T) {
	c, cli := pipeConn(t, 4)

	require.NoError(t, c.Send([]byte(`{"n":1}`)))
	require.NoError(t, c.Send([]byte(`{"n":2}`)))

	assert.Equal(t, `{"n":1}`, string(readServerText(t, cli)))
	assert.Equal(t, `{"n":2}`, string(readServerText(t, cli)))
}

func TestConnection_FullQueueIsSlowConsumer(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	// Nobody reads the client end, so the writer blocks on the first frame.
	c := newConnection("slow", srv, 1, 50*time.Millisecond)
	defer c.Close()

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = c.Send([]byte("x"))
	}
	assert.ErrorIs(t, err, broadcast.ErrSlowConsumer)
}

func TestConnection_CloseFlushesAndSendsCloseFrame(t *testing.T) {
	c, cli := pipeConn(t, 4)

	var released atomic.Int32
	c.onClose = func(*Connection) { released.Add(1) }

	frames := make(chan ws.OpCode, 4)
	go func() {
		for {
			_ = cli.SetReadDeadline(time.Now().Add(2 * time.Second))
			f, err := ws.ReadFrame(cli)
			if err != nil {
				close(frames)
				return
			}
			frames <- f.Header.OpCode
		}
	}()

	require.NoError(t, c.Send([]byte(`{"type":"session_ended"}`)))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	var ops []ws.OpCode
	for op := range frames {
		ops = append(ops, op)
	}
	require.NotEmpty(t, ops)
	assert.Equal(t, ws.OpText, ops[0])
	assert.Equal(t, ws.OpClose, ops[len(ops)-1])
	assert.Equal(t, int32(1), released.Load())

	assert.ErrorIs(t, c.Send([]byte("late")), ErrClosed)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	c1, _ := pipeConn(t, 1)
	c2, _ := pipeConn(t, 1)
	require.NotEqual(t, c1.ID, c2.ID)

	r.Add(c1)
	r.Add(c2)
	assert.Equal(t, 2, r.Count())
	assert.Same(t, c1, r.Get(c1.ID))
	assert.Same(t, c2, r.GetByConn(c2.Conn))
	assert.Len(t, r.All(), 2)

	assert.True(t, r.Remove(c1))
	assert.False(t, r.Remove(c1), "second removal is a no-op")
	assert.Nil(t, r.Get(c1.ID))
	assert.Nil(t, r.GetByConn(c1.Conn))
	assert.Equal(t, 1, r.Count())
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcher_PingAnsweredWithPong(t *testing.T) {
	d := NewMessageDispatcher(discardLogger())
	c, cli := pipeConn(t, 4)
	c.Channel = protocol.ChannelPoll

	d.Dispatch(c, []byte(`{"type":"ping"}`))
	assert.Equal(t, protocol.TypePong, messageType(t, readServerText(t, cli)))
}

func TestDispatcher_RoutesToRegisteredHandler(t *testing.T) {
	d := NewMessageDispatcher(discardLogger())
	c, _ := pipeConn(t, 4)
	c.Channel = protocol.ChannelChat

	got := make(chan interface{}, 1)
	d.Register(protocol.TypeMessage, func(conn *Connection, msg interface{}) {
		assert.Same(t, c, conn)
		got <- msg
	})

	d.Dispatch(c, []byte(`{"text":"hello"}`))
	select {
	case msg := <-got:
		assert.Equal(t, protocol.ChatMsg{Text: "hello"}, msg)
	default:
		t.Fatal("handler was not called")
	}
}

func TestDispatcher_Errors(t *testing.T) {
	d := NewMessageDispatcher(discardLogger())
	c, cli := pipeConn(t, 4)
	c.Channel = protocol.ChannelWhiteboard

	// Malformed JSON.
	d.Dispatch(c, []byte(`{nope`))
	data := readServerText(t, cli)
	assert.Equal(t, protocol.TypeError, messageType(t, data))
	assert.Contains(t, string(data), "parse_error")

	// Valid drawing but no draw handler registered.
	d.Dispatch(c, []byte(`{"x":1}`))
	data = readServerText(t, cli)
	assert.Contains(t, string(data), "unsupported_type")
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestHeartbeat_ClosesStaleAndPingsLive(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, discardLogger())
	var disconnected atomic.Int32
	s.SetOnDisconnect(func(*Connection) { disconnected.Add(1) })

	stale, staleCli := pipeConn(t, 1)
	live, liveCli := pipeConn(t, 1)
	for _, c := range []*Connection{stale, live} {
		c.onClose = s.release
		s.conns.Add(c)
	}
	go func() { _, _ = io.Copy(io.Discard, staleCli) }()

	pings := make(chan ws.OpCode, 1)
	go func() {
		_ = liveCli.SetReadDeadline(time.Now().Add(2 * time.Second))
		if f, err := ws.ReadFrame(liveCli); err == nil {
			pings <- f.Header.OpCode
		}
	}()

	cfg := HeartbeatConfig{Interval: time.Minute, Timeout: 10 * time.Second}
	stale.lastActivity.Store(time.Now().Add(-2 * time.Minute).UnixNano())

	closed := s.checkConnections(cfg, time.Now())
	assert.Equal(t, 1, closed)
	assert.Equal(t, int32(1), disconnected.Load())
	assert.Nil(t, s.conns.Get(stale.ID))
	assert.Same(t, live, s.conns.Get(live.ID))

	select {
	case op := <-pings:
		assert.Equal(t, ws.OpPing, op)
	case <-time.After(2 * time.Second):
		t.Fatal("live connection was not pinged")
	}
}

// ---------------------------------------------------------------------------
// Server end to end
// ---------------------------------------------------------------------------

func TestServer_UpgradeReadAndDisconnect(t *testing.T) {
	received := make(chan string, 4)
	s := NewServer(DefaultServerConfig(), func(c *Connection, data []byte) {
		received <- c.SessionID + ":" + string(data)
		_ = c.Send([]byte(`{"type":"ack"}`))
	}, discardLogger())

	gone := make(chan string, 1)
	s.SetOnDisconnect(func(c *Connection) { gone <- c.SessionID })
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.Upgrade(w, r, "sess-1", protocol.ChannelChat); err != nil {
			t.Errorf("upgrade: %v", err)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"text":"hi"}`)))

	select {
	case got := <-received:
		assert.Equal(t, `sess-1:{"text":"hi"}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered to handler")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack"}`, string(data))

	require.Eventually(t, func() bool { return s.Connections().Count() == 1 }, time.Second, 10*time.Millisecond)

	// Client closes; the server notices on the next read.
	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))))
	select {
	case id := <-gone:
		assert.Equal(t, "sess-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback not called")
	}
	assert.Equal(t, 0, s.Connections().Count())
}

func TestServer_MaxConnections(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 1
	s := NewServer(cfg, nil, discardLogger())
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	c, _ := pipeConn(t, 1)
	s.conns.Add(c)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/chat/x", nil)
	_, err := s.Upgrade(rec, req, "x", protocol.ChannelChat)
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "10.0.0.7", ClientIP(req))
}
