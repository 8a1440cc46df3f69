//go:build !linux

package ws

import (
	"net"
	"sync"
)

// readInline is true because dispatch runs on the connection's own goroutine
// and may block in the read.
const readInline = true

// poller is the fallback for platforms without epoll. Each connection gets a
// goroutine that calls dispatch in a loop; dispatch blocks in the frame read,
// so nothing is consumed outside of the server's read path.
type poller struct {
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	dispatch func(net.Conn)
	done     chan struct{}
	once     sync.Once
}

func newPoller(dispatch func(net.Conn)) (*poller, error) {
	return &poller{
		conns:    make(map[net.Conn]struct{}),
		dispatch: dispatch,
		done:     make(chan struct{}),
	}, nil
}

// Add starts reading from conn.
func (p *poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

func (p *poller) monitor(conn net.Conn) {
	for p.registered(conn) {
		select {
		case <-p.done:
			return
		default:
		}
		p.dispatch(conn)
	}
}

func (p *poller) registered(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[conn]
	return ok
}

// Remove stops reading from conn after the current read returns.
func (p *poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Run blocks until done is closed; reads happen in the per-connection
// goroutines.
func (p *poller) Run(done <-chan struct{}) error {
	<-done
	return nil
}

// Close stops every monitor goroutine.
func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.conns = make(map[net.Conn]struct{})
	p.mu.Unlock()
	return nil
}
