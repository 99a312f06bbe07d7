package reactor

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

const readChunk = 100_000

// Socket is one nonblocking connection owned by the reactor. Writes are
// buffered; partial sends keep the tail queued and arm POLLOUT.
type Socket struct {
	reactor   *Reactor
	fd        int
	buffer    [][]byte
	lastHit   time.Time
	connected bool
	closed    bool
}

func newSocket(r *Reactor, fd int) *Socket {
	return &Socket{
		reactor: r,
		fd:      fd,
		lastHit: time.Now(),
	}
}

// RemoteAddr returns the peer address, or the zero value once closed or
// before the connect resolves.
func (s *Socket) RemoteAddr() netip.AddrPort {
	if s.closed {
		return netip.AddrPort{}
	}

	addr, err := s.reactor.sys.Peername(s.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addr
}

// IsFlushed reports whether every queued write reached the kernel.
func (s *Socket) IsFlushed() bool { return len(s.buffer) == 0 }

// Write queues b and attempts an immediate send.
func (s *Socket) Write(b []byte) {
	if s.closed {
		return
	}

	s.buffer = append(s.buffer, b)
	if len(s.buffer) == 1 {
		s.tryWrite()
	}
}

func (s *Socket) tryWrite() {
	if s.connected {
		for len(s.buffer) > 0 {
			n, err := s.reactor.sys.Write(s.fd, s.buffer[0])
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				s.reactor.deadFromWrite = append(s.reactor.deadFromWrite, s)
				return
			}
			if n != len(s.buffer[0]) {
				s.buffer[0] = s.buffer[0][n:]
				break
			}
			s.buffer = s.buffer[1:]
		}
	}

	if len(s.buffer) == 0 {
		s.reactor.poller.register(s.fd, unix.POLLIN)
	} else {
		s.reactor.poller.register(s.fd, unix.POLLIN|unix.POLLOUT)
	}
}

// Close releases the socket without notifying the handler; the caller
// already knows.
func (s *Socket) Close() {
	if !s.closed {
		s.teardown()
	}
}

func (s *Socket) teardown() {
	s.closed = true
	s.buffer = nil
	s.reactor.poller.unregister(s.fd)
	delete(s.reactor.sockets, s.fd)
	_ = s.reactor.sys.Close(s.fd)
}
