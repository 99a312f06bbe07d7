package reactor

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/prxssh/warren/pkg/heap"
)

// Handler receives socket lifecycle and data events. Callbacks run on the
// reactor goroutine, never concurrently.
type Handler interface {
	ExternalConnectionMade(s *Socket)
	DataCameIn(s *Socket, data []byte)
	ConnectionLost(s *Socket)
	ConnectionFlushed(s *Socket)
}

type task struct {
	when time.Time
	seq  uint64
	fn   func()
}

type stagedTask struct {
	fn    func()
	delay time.Duration
}

// Reactor is a single-goroutine event loop over nonblocking sockets and a
// timer heap. All sockets and all scheduled tasks are owned by the loop;
// AddExternalTask is the only entry point safe from other goroutines.
type Reactor struct {
	timeoutCheckInterval time.Duration
	timeout              time.Duration
	maxConnects          int

	sys    syscalls
	poller *poller

	sockets       map[int]*Socket
	deadFromWrite []*Socket

	tasks  *heap.PriorityQueue[task]
	staged []stagedTask
	seq    uint64

	externalMu sync.Mutex
	external   []stagedTask

	done     *atomic.Bool
	handler  Handler
	serverFd int
	hasBind  bool

	errorFunc func(string)
	log       *slog.Logger
}

// Opts configures a reactor. ErrorFunc receives callback failures; the loop
// itself never dies to one.
type Opts struct {
	TimeoutCheckInterval time.Duration
	Timeout              time.Duration
	MaxConnects          int
	ErrorFunc            func(string)
	Log                  *slog.Logger
}

func New(done *atomic.Bool, opts *Opts) *Reactor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	errorFunc := opts.ErrorFunc
	if errorFunc == nil {
		errorFunc = func(msg string) { log.Error(msg) }
	}

	r := &Reactor{
		timeoutCheckInterval: opts.TimeoutCheckInterval,
		timeout:              opts.Timeout,
		maxConnects:          opts.MaxConnects,
		sys:                  realSys{},
		poller:               newPoller(),
		sockets:              make(map[int]*Socket),
		tasks: heap.New(func(a, b task) bool {
			if !a.when.Equal(b.when) {
				return a.when.Before(b.when)
			}
			return a.seq < b.seq
		}),
		done:      done,
		serverFd:  -1,
		errorFunc: errorFunc,
		log:       log.With("component", "reactor"),
	}
	r.AddTask(r.scanForTimeouts, r.timeoutCheckInterval)

	return r
}

// AddTask schedules fn to run on the loop after delay. Only safe from the
// reactor goroutine; use AddExternalTask elsewhere.
func (r *Reactor) AddTask(fn func(), delay time.Duration) {
	r.staged = append(r.staged, stagedTask{fn: fn, delay: delay})
}

// AddExternalTask schedules fn from any goroutine; it is drained into the
// timer heap at the top of the next tick.
func (r *Reactor) AddExternalTask(fn func(), delay time.Duration) {
	r.externalMu.Lock()
	r.external = append(r.external, stagedTask{fn: fn, delay: delay})
	r.externalMu.Unlock()
}

// scanForTimeouts closes sockets that have not been heard from within the
// idle timeout, then reschedules itself.
func (r *Reactor) scanForTimeouts() {
	r.AddTask(r.scanForTimeouts, r.timeoutCheckInterval)

	cutoff := time.Now().Add(-r.timeout)
	var tokill []*Socket
	for _, s := range r.sockets {
		if s.lastHit.Before(cutoff) {
			tokill = append(tokill, s)
		}
	}
	for _, s := range tokill {
		if !s.closed {
			r.closeSocket(s)
		}
	}
}

// Bind starts listening for incoming peer connections on port.
func (r *Reactor) Bind(port int) error {
	fd, err := r.sys.Socket()
	if err != nil {
		return fmt.Errorf("reactor: listen socket: %w", err)
	}
	if err := r.sys.SetReuseAddr(fd); err != nil {
		_ = r.sys.Close(fd)
		return err
	}
	if err := r.sys.Bind(fd, port); err != nil {
		_ = r.sys.Close(fd)
		return fmt.Errorf("reactor: bind port %d: %w", port, err)
	}
	if err := r.sys.Listen(fd, 5); err != nil {
		_ = r.sys.Close(fd)
		return err
	}

	r.serverFd = fd
	r.hasBind = true
	r.poller.register(fd, unix.POLLIN)
	return nil
}

// StartConnection begins a nonblocking connect to addr and returns its
// socket immediately; the connection completes inside the loop.
func (r *Reactor) StartConnection(addr netip.AddrPort) (*Socket, error) {
	fd, err := r.sys.Socket()
	if err != nil {
		return nil, err
	}
	if err := r.sys.Connect(fd, addr); err != nil {
		_ = r.sys.Close(fd)
		return nil, fmt.Errorf("reactor: connect %s: %w", addr, err)
	}

	r.poller.register(fd, unix.POLLIN)
	s := newSocket(r, fd)
	r.sockets[fd] = s
	return s, nil
}

// ListenForever runs the loop until the done flag is set, then closes every
// socket.
func (r *Reactor) ListenForever(handler Handler) {
	r.handler = handler
	defer r.shutdown()

	for !r.done.Load() {
		r.drainExternal()
		r.popStaged()

		events, err := r.poller.poll(r.sys, r.pollTimeout(time.Now()))
		if err != nil {
			r.errorFunc(fmt.Sprintf("poll failed: %v", err))
			continue
		}
		if r.done.Load() {
			return
		}

		r.runDueTasks(time.Now())
		r.closeDead()
		r.handleEvents(events)
		if r.done.Load() {
			return
		}
		r.closeDead()
	}
}

func (r *Reactor) drainExternal() {
	r.externalMu.Lock()
	pending := r.external
	r.external = nil
	r.externalMu.Unlock()

	r.staged = append(r.staged, pending...)
}

func (r *Reactor) popStaged() {
	now := time.Now()
	for _, st := range r.staged {
		r.seq++
		r.tasks.Push(task{when: now.Add(st.delay), seq: r.seq, fn: st.fn})
	}
	r.staged = r.staged[:0]
}

func (r *Reactor) pollTimeout(now time.Time) time.Duration {
	next, ok := r.tasks.Peek()
	if !ok {
		return time.Hour
	}

	d := next.when.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (r *Reactor) runDueTasks(now time.Time) {
	for {
		next, ok := r.tasks.Peek()
		if !ok || next.when.After(now) {
			return
		}
		r.tasks.Pop()
		r.runGuarded(next.fn)
	}
}

// runGuarded keeps a panicking callback from taking the loop down.
func (r *Reactor) runGuarded(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.errorFunc(fmt.Sprintf("task panicked: %v", p))
		}
	}()
	fn()
}

func (r *Reactor) handleEvents(events []pollEvent) {
	for _, ev := range events {
		if r.hasBind && ev.fd == r.serverFd {
			r.handleAccept(ev)
			continue
		}

		s, ok := r.sockets[ev.fd]
		if !ok {
			continue
		}
		// Any event on a connecting socket means the connect resolved.
		s.connected = true

		if ev.revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			r.closeSocket(s)
			continue
		}

		if ev.revents&unix.POLLIN != 0 {
			s.lastHit = time.Now()
			data, err := r.sys.Read(ev.fd, readChunk)
			switch {
			case err == unix.EAGAIN:
				// Spurious readiness; try again next tick.
			case err != nil:
				r.closeSocket(s)
				continue
			case len(data) == 0:
				r.closeSocket(s)
				continue
			default:
				r.runGuarded(func() { r.handler.DataCameIn(s, data) })
			}
		}

		if ev.revents&unix.POLLOUT != 0 && !s.closed && !s.IsFlushed() {
			s.tryWrite()
			if s.IsFlushed() {
				r.runGuarded(func() { r.handler.ConnectionFlushed(s) })
			}
		}
	}
}

func (r *Reactor) handleAccept(ev pollEvent) {
	if ev.revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		r.poller.unregister(r.serverFd)
		_ = r.sys.Close(r.serverFd)
		r.hasBind = false
		r.errorFunc("lost server socket")
		return
	}

	fd, err := r.sys.Accept(r.serverFd)
	if err != nil {
		return
	}
	if len(r.sockets) >= r.maxConnects {
		_ = r.sys.Close(fd)
		return
	}

	s := newSocket(r, fd)
	r.sockets[fd] = s
	r.poller.register(fd, unix.POLLIN)
	r.runGuarded(func() { r.handler.ExternalConnectionMade(s) })
}

// closeDead closes sockets whose writes failed, repeating until the
// notifications stop producing new casualties.
func (r *Reactor) closeDead() {
	for len(r.deadFromWrite) > 0 {
		old := r.deadFromWrite
		r.deadFromWrite = nil
		for _, s := range old {
			if !s.closed {
				r.closeSocket(s)
			}
		}
	}
}

// closeSocket tears a socket down and tells the handler. User-initiated
// closes go through Socket.Close instead and are not announced.
func (r *Reactor) closeSocket(s *Socket) {
	s.teardown()
	if r.handler != nil {
		r.runGuarded(func() { r.handler.ConnectionLost(s) })
	}
}

func (r *Reactor) shutdown() {
	for _, s := range r.sockets {
		s.teardown()
	}
	if r.hasBind {
		r.poller.unregister(r.serverFd)
		_ = r.sys.Close(r.serverFd)
		r.hasBind = false
	}
}
