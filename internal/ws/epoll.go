//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the loop notices shutdown.
const waitTimeoutMs = 200

// readInline is false because dispatch runs on the event loop and must hand
// the read to a worker.
const readInline = false

// poller wraps Linux epoll. Instead of parking a goroutine per connection, file
// descriptors are registered with the kernel and a single loop hands ready
// connections to dispatch.
type poller struct {
	fd       int
	mu       sync.RWMutex
	conns    map[int]net.Conn  // fd -> net.Conn
	fds      map[net.Conn]int  // net.Conn -> fd, valid after the socket closed
	events   []unix.EpollEvent // reusable event buffer for wait
	dispatch func(net.Conn)
}

func newPoller(dispatch func(net.Conn)) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:       fd,
		conns:    make(map[int]net.Conn),
		fds:      make(map[net.Conn]int),
		events:   make([]unix.EpollEvent, 128),
		dispatch: dispatch,
	}, nil
}

// Add registers conn for read readiness, hang-up and peer shutdown events.
func (p *poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.fds[conn] = fd
	p.mu.Unlock()
	return nil
}

// Remove unregisters conn. Removing an unknown or already closed connection
// only drops it from the map.
func (p *poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	fd, ok := p.fds[conn]
	if ok {
		delete(p.fds, conn)
		if p.conns[fd] == conn {
			delete(p.conns, fd)
		}
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	// A closed socket leaves the interest list on its own.
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// Run hands ready connections to dispatch until done is closed.
func (p *poller) Run(done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-done:
				return nil
			default:
				return err
			}
		}

		p.mu.RLock()
		ready := make([]net.Conn, 0, n)
		for i := 0; i < n; i++ {
			if conn, ok := p.conns[int(p.events[i].Fd)]; ok {
				ready = append(ready, conn)
			}
		}
		p.mu.RUnlock()

		for _, conn := range ready {
			p.dispatch(conn)
		}
	}
}

// Close closes the epoll file descriptor.
func (p *poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = make(map[int]net.Conn)
	p.fds = make(map[net.Conn]int)
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
