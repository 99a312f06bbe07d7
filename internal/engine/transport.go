package engine

import (
	"encoding/binary"

	"github.com/prxssh/warren/internal/reactor"
)

// Hub adapts reactor socket events to the engine's framed-payload API: it
// frames outgoing payloads with 4-byte big-endian length prefixes and
// reassembles incoming frames, dropping keep-alives.
//
// The handshake/encryption envelope is a collaborator; sockets given to the
// hub are expected to speak framed messages already.
type Hub struct {
	engine     *Engine
	transports map[*reactor.Socket]*SocketTransport
	maxFrame   int
}

func NewHub(e *Engine, maxFrame int) *Hub {
	return &Hub{
		engine:     e,
		transports: make(map[*reactor.Socket]*SocketTransport),
		maxFrame:   maxFrame,
	}
}

// Register wires a locally initiated socket into the engine.
func (h *Hub) Register(s *reactor.Socket) {
	t := &SocketTransport{hub: h, sock: s}
	h.transports[s] = t
	h.engine.ConnectionMade(t)
}

func (h *Hub) ExternalConnectionMade(s *reactor.Socket) {
	h.Register(s)
}

func (h *Hub) DataCameIn(s *reactor.Socket, data []byte) {
	t, ok := h.transports[s]
	if !ok {
		return
	}
	t.feed(data)
}

func (h *Hub) ConnectionLost(s *reactor.Socket) {
	t, ok := h.transports[s]
	if !ok {
		return
	}
	delete(h.transports, s)
	h.engine.ConnectionLost(t)
}

func (h *Hub) ConnectionFlushed(s *reactor.Socket) {
	if t, ok := h.transports[s]; ok {
		h.engine.ConnectionFlushed(t)
	}
}

// SocketTransport is one peer's framed channel over a reactor socket.
type SocketTransport struct {
	hub    *Hub
	sock   *reactor.Socket
	recv   []byte
	closed bool
}

func (t *SocketTransport) Write(payload []byte) {
	if t.closed {
		return
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	t.sock.Write(frame)
}

func (t *SocketTransport) IsFlushed() bool { return t.sock.IsFlushed() }

// Close tears the peer down locally. The reactor will not announce a
// user-initiated close, so the engine is told here.
func (t *SocketTransport) Close() {
	if t.closed {
		return
	}
	t.closed = true

	delete(t.hub.transports, t.sock)
	t.sock.Close()
	t.hub.engine.ConnectionLost(t)
}

func (t *SocketTransport) feed(data []byte) {
	t.recv = append(t.recv, data...)

	for !t.closed {
		if len(t.recv) < 4 {
			return
		}
		length := int(binary.BigEndian.Uint32(t.recv[:4]))
		if length == 0 {
			// Keep-alive.
			t.recv = t.recv[4:]
			continue
		}
		if length > t.hub.maxFrame {
			t.Close()
			return
		}
		if len(t.recv) < 4+length {
			return
		}

		payload := make([]byte, length)
		copy(payload, t.recv[4:4+length])
		t.recv = t.recv[4+length:]

		t.hub.engine.GotMessage(t, payload)
	}
}
