package reactor

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// pollEvent is one ready descriptor out of a poll round.
type pollEvent struct {
	fd      int
	revents int16
}

// poller tracks which events each descriptor is registered for and runs
// poll(2) over the set.
type poller struct {
	interest map[int]int16
}

func newPoller() *poller {
	return &poller{interest: make(map[int]int16)}
}

// register sets (not adds) the interest mask for fd.
func (p *poller) register(fd int, events int16) {
	p.interest[fd] = events
}

func (p *poller) unregister(fd int) {
	delete(p.interest, fd)
}

func (p *poller) poll(sys syscalls, timeout time.Duration) ([]pollEvent, error) {
	fds := make([]unix.PollFd, 0, len(p.interest))
	for fd, events := range p.interest {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	n, err := sys.Poll(fds, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	events := make([]pollEvent, 0, n)
	for _, fd := range fds {
		if fd.Revents != 0 {
			events = append(events, pollEvent{fd: int(fd.Fd), revents: fd.Revents})
		}
	}
	return events, nil
}

// syscalls isolates the raw socket layer so tests can script it.
type syscalls interface {
	Socket() (int, error)
	SetReuseAddr(fd int) error
	Bind(fd, port int) error
	Listen(fd, backlog int) error
	Accept(fd int) (int, error)
	Connect(fd int, addr netip.AddrPort) error
	Read(fd, maxLen int) ([]byte, error)
	Write(fd int, b []byte) (int, error)
	Close(fd int) error
	Peername(fd int) (netip.AddrPort, error)
	Poll(fds []unix.PollFd, timeout time.Duration) (int, error)
}

type realSys struct{}

func (realSys) Socket() (int, error) {
	return unix.Socket(unix.AF_INET,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

func (realSys) SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func (realSys) Bind(fd, port int) error {
	return unix.Bind(fd, &unix.SockaddrInet4{Port: port})
}

func (realSys) Listen(fd, backlog int) error {
	return unix.Listen(fd, backlog)
}

func (realSys) Accept(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}

func (realSys) Connect(fd int, addr netip.AddrPort) error {
	sa := &unix.SockaddrInet4{Port: int(addr.Port())}
	a4 := addr.Addr().As4()
	copy(sa.Addr[:], a4[:])

	err := unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		return nil
	}
	return err
}

func (realSys) Read(fd, maxLen int) ([]byte, error) {
	buf := make([]byte, maxLen)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (realSys) Write(fd int, b []byte) (int, error) {
	n, err := unix.Write(fd, b)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (realSys) Close(fd int) error { return unix.Close(fd) }

func (realSys) Peername(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}

	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)), nil
	default:
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
}

func (realSys) Poll(fds []unix.PollFd, timeout time.Duration) (int, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	return unix.Poll(fds, ms)
}
