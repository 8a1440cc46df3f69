package broadcast

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    [][]byte
	sendErr error
	closed  atomic.Int32
}

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *fakeConn) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m)
	}
	return out
}

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHub_BroadcastReachesAllMembers(t *testing.T) {
	h := newTestHub()
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}

	h.Connect("s1", a)
	h.Connect("s1", b)
	h.Connect("s2", other)

	n := h.Broadcast("s1", []byte("hello"))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"hello"}, a.Messages())
	assert.Equal(t, []string{"hello"}, b.Messages())
	assert.Empty(t, other.Messages())
}

func TestHub_BroadcastToInactiveSession(t *testing.T) {
	h := newTestHub()
	assert.Equal(t, 0, h.Broadcast("nobody", []byte("x")))
	assert.Empty(t, h.Sessions())
}

func TestHub_FailedSendDropsOnlyThatConnection(t *testing.T) {
	h := newTestHub()
	good, bad := &fakeConn{}, &fakeConn{sendErr: ErrSlowConsumer}

	h.Connect("s", good)
	h.Connect("s", bad)

	n := h.Broadcast("s", []byte("m1"))
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), bad.closed.Load())
	assert.Equal(t, 1, h.Count("s"))

	n = h.Broadcast("s", []byte("m2"))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m1", "m2"}, good.Messages())
}

func TestHub_LastFailureRemovesRoom(t *testing.T) {
	h := newTestHub()
	h.Connect("s", &fakeConn{sendErr: errors.New("broken pipe")})

	assert.Equal(t, 0, h.Broadcast("s", []byte("x")))
	assert.Empty(t, h.Sessions())
}

func TestHub_DisconnectRemovesEmptyRoom(t *testing.T) {
	h := newTestHub()
	c := &fakeConn{}

	h.Connect("s", c)
	h.Connect("s", c)
	assert.Equal(t, 1, h.Count("s"))

	h.Disconnect("s", c)
	assert.Equal(t, 0, h.Count("s"))
	assert.Empty(t, h.Sessions())
	assert.Zero(t, c.closed.Load(), "disconnect does not close")

	// Unknown session or connection is ignored.
	h.Disconnect("s", c)
	h.Disconnect("missing", &fakeConn{})
}

func TestHub_ReconnectAfterRoomRemoved(t *testing.T) {
	h := newTestHub()
	a, b := &fakeConn{}, &fakeConn{}

	h.Connect("s", a)
	h.Disconnect("s", a)
	h.Connect("s", b)

	assert.Equal(t, 1, h.Broadcast("s", []byte("again")))
	assert.Equal(t, []string{"again"}, b.Messages())
}

func TestHub_CloseSessionAndSessionEnded(t *testing.T) {
	h := newTestHub()
	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Connect("s", a)
	h.Connect("s", b)
	h.Connect("t", other)

	h.SessionEnded("s")
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
	assert.Equal(t, 0, h.Count("s"))
	assert.Equal(t, []string{"t"}, h.Sessions())

	h.CloseSession("s") // idempotent

	h.Close()
	assert.Equal(t, int32(1), other.closed.Load())
	assert.Empty(t, h.Sessions())
}

func TestHub_ConcurrentSessionsDoNotInterfere(t *testing.T) {
	h := newTestHub()
	const sessions, members, rounds = 8, 4, 50

	conns := make([][]*fakeConn, sessions)
	for s := range conns {
		for m := 0; m < members; m++ {
			c := &fakeConn{}
			conns[s] = append(conns[s], c)
			h.Connect(fmt.Sprint(s), c)
		}
	}

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				h.Broadcast(fmt.Sprint(s), []byte(fmt.Sprintf("%d-%d", s, i)))
			}
		}(s)
	}
	// Churn on a separate session while broadcasts run.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			c := &fakeConn{}
			h.Connect("churn", c)
			h.Disconnect("churn", c)
		}
	}()
	wg.Wait()

	for s := range conns {
		for _, c := range conns[s] {
			msgs := c.Messages()
			require.Len(t, msgs, rounds)
			assert.Equal(t, fmt.Sprintf("%d-0", s), msgs[0])
			assert.Equal(t, fmt.Sprintf("%d-%d", s, rounds-1), msgs[rounds-1])
		}
	}
	assert.Equal(t, 0, h.Count("churn"))
}
