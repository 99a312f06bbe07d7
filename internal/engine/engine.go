package engine

import (
	"log/slog"
	"time"

	"github.com/prxssh/warren/internal/choker"
	"github.com/prxssh/warren/internal/meter"
	"github.com/prxssh/warren/internal/peer"
	"github.com/prxssh/warren/internal/wire"
	"github.com/prxssh/warren/pkg/bitfield"
)

// Transport is one framed peer channel. Write enqueues a single already-
// built payload for framing and transmission; it never blocks. IsFlushed
// reports whether the underlying socket has drained its queue.
type Transport interface {
	Write(payload []byte)
	IsFlushed() bool
	Close()
}

// ServeStore is what the engine needs from the piece store to serve uploads.
type ServeStore interface {
	peer.ServeStore
}

// Opts configures the engine.
type Opts struct {
	NumPieces      int
	MaxSliceLength int
	MaxRatePeriod  time.Duration
	MaxUploadRate  float64

	// Schedule runs a task on the reactor thread after a delay.
	Schedule func(task func(), delay time.Duration)

	Log   *slog.Logger
	Clock func() time.Time
}

// Engine binds the wire router to the per-peer downloader/uploader pairs,
// the choker, and the piece store. It owns the peer-connection lifecycle and
// the aggregate upload rate cap.
type Engine struct {
	downloader *peer.Downloader
	choker     *choker.Choker
	storage    ServeStore

	numPieces      int
	maxSliceLength int
	maxRatePeriod  time.Duration
	maxUploadRate  float64
	schedule       func(task func(), delay time.Duration)
	clock          func() time.Time

	totalUp    *meter.Measure
	rateCapped bool

	connections map[Transport]*Connection
	log         *slog.Logger
}

func New(
	downloader *peer.Downloader,
	chk *choker.Choker,
	storage ServeStore,
	opts *Opts,
) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		downloader:     downloader,
		choker:         chk,
		storage:        storage,
		numPieces:      opts.NumPieces,
		maxSliceLength: opts.MaxSliceLength,
		maxRatePeriod:  opts.MaxRatePeriod,
		maxUploadRate:  opts.MaxUploadRate,
		schedule:       opts.Schedule,
		clock:          clock,
		totalUp:        meter.NewMeasureWithClock(opts.MaxRatePeriod, clock),
		connections:    make(map[Transport]*Connection),
		log:            log.With("component", "engine"),
	}
}

// Connection pairs a transport with its upload and download state machines.
// It implements peer.Conn and choker.Connection.
type Connection struct {
	engine      *Engine
	transport   Transport
	gotAnything bool
	upload      *peer.Upload
	download    *peer.Download
}

func (c *Connection) GetUpload() choker.Upload     { return c.upload }
func (c *Connection) GetDownload() choker.Download { return c.download }

// IsFlushed is false while the engine is shedding upload load, regardless of
// the socket's own state.
func (c *Connection) IsFlushed() bool {
	if c.engine.rateCapped {
		return false
	}
	return c.transport.IsFlushed()
}

func (c *Connection) Close() { c.transport.Close() }

func (c *Connection) SendInterested()    { c.transport.Write(wire.Interested()) }
func (c *Connection) SendNotInterested() { c.transport.Write(wire.NotInterested()) }
func (c *Connection) SendChoke()         { c.transport.Write(wire.Choke()) }
func (c *Connection) SendUnchoke()       { c.transport.Write(wire.Unchoke()) }

func (c *Connection) SendHave(index int) { c.transport.Write(wire.Have(index)) }

func (c *Connection) SendBitfield(bits []byte) {
	c.transport.Write(wire.BitfieldMsg(bits))
}

func (c *Connection) SendRequest(index, begin, length int) {
	c.transport.Write(wire.Request(index, begin, length))
}

func (c *Connection) SendCancel(index, begin, length int) {
	c.transport.Write(wire.Cancel(index, begin, length))
}

func (c *Connection) SendPiece(index, begin int, block []byte) {
	c.engine.updateUploadRate(len(block))
	c.transport.Write(wire.Piece(index, begin, block))
}

// ConnectionMade wires a fresh transport into the engine: upload, download,
// and a seat in the choker's rotation.
func (e *Engine) ConnectionMade(t Transport) {
	c := &Connection{engine: e, transport: t}
	e.connections[t] = c

	c.upload = peer.NewUpload(c, e.storage, &peer.UploadOpts{
		MaxSliceLength:  e.maxSliceLength,
		MaxRatePeriod:   e.maxRatePeriod,
		OnInterested:    func() { e.choker.Interested(c) },
		OnNotInterested: func() { e.choker.NotInterested(c) },
		Clock:           e.clock,
	})
	c.download = e.downloader.MakeDownload(c)
	e.choker.ConnectionMade(c)
}

// ConnectionLost tears the peer down, releasing its block reservations and
// its choker seat.
func (e *Engine) ConnectionLost(t Transport) {
	c, ok := e.connections[t]
	if !ok {
		return
	}
	delete(e.connections, t)

	c.download.Disconnected()
	e.choker.ConnectionLost(c)
}

// ConnectionFlushed lets the uploader push queued blocks once the socket has
// drained.
func (e *Engine) ConnectionFlushed(t Transport) {
	if c, ok := e.connections[t]; ok {
		c.upload.Flushed()
	}
}

// HowManyConnections returns the live peer count.
func (e *Engine) HowManyConnections() int { return len(e.connections) }

// GotMessage routes one validated payload. Any violation of the framing
// rules closes the connection: wrong lengths, out-of-range indices, unknown
// types, or a BITFIELD arriving after any other message.
func (e *Engine) GotMessage(t Transport, payload []byte) {
	c, ok := e.connections[t]
	if !ok || len(payload) == 0 {
		return
	}

	id := wire.MessageID(payload[0])
	if id == wire.MsgBitfield && c.gotAnything {
		t.Close()
		return
	}
	c.gotAnything = true

	switch id {
	case wire.MsgChoke, wire.MsgUnchoke, wire.MsgInterested, wire.MsgNotInterested:
		if len(payload) != 1 {
			t.Close()
			return
		}
	}

	switch id {
	case wire.MsgChoke:
		c.download.GotChoke()

	case wire.MsgUnchoke:
		c.download.GotUnchoke()

	case wire.MsgInterested:
		c.upload.GotInterested()

	case wire.MsgNotInterested:
		c.upload.GotNotInterested()

	case wire.MsgHave:
		index, ok := wire.ParseHave(payload)
		if !ok || index >= e.numPieces {
			t.Close()
			return
		}
		c.download.GotHave(index)

	case wire.MsgBitfield:
		bf, err := bitfield.FromPeer(payload[1:], e.numPieces)
		if err != nil {
			t.Close()
			return
		}
		c.download.GotHaveBitfield(bf)

	case wire.MsgRequest:
		index, begin, length, ok := wire.ParseIndexTriple(payload)
		if !ok || index >= e.numPieces {
			t.Close()
			return
		}
		c.upload.GotRequest(index, begin, length)

	case wire.MsgCancel:
		index, begin, length, ok := wire.ParseIndexTriple(payload)
		if !ok || index >= e.numPieces {
			t.Close()
			return
		}
		c.upload.GotCancel(index, begin, length)

	case wire.MsgPiece:
		index, begin, block, ok := wire.ParsePiece(payload)
		if !ok || index >= e.numPieces {
			t.Close()
			return
		}
		if c.download.GotPiece(index, begin, block) {
			// The piece completed and validated: advertise it
			// everywhere before anything observes the finish.
			for _, co := range e.connections {
				co.SendHave(index)
			}
		}

	default:
		t.Close()
	}
}

// updateUploadRate feeds the aggregate meter and engages the cap when the
// estimate crosses the limit; the uncap is scheduled for when silence will
// have decayed the rate back under it.
func (e *Engine) updateUploadRate(amount int) {
	e.totalUp.Update(amount)
	if e.maxUploadRate > 0 && e.totalUp.RateNoUpdate() > e.maxUploadRate {
		e.rateCapped = true
		e.schedule(e.uncap, e.totalUp.TimeUntil(e.maxUploadRate))
	}
}

// uncap lifts the cap and serves one block at a time, slowest peer first,
// until either nobody has work queued or sending re-engages the cap.
func (e *Engine) uncap() {
	e.rateCapped = false
	for !e.rateCapped {
		var slowest *Connection
		var minRate float64
		for _, c := range e.connections {
			if c.upload.IsChoked() || !c.upload.HasQueries() ||
				!c.transport.IsFlushed() {
				continue
			}
			rate := c.upload.GetRate()
			if slowest == nil || rate < minRate {
				slowest = c
				minRate = rate
			}
		}
		if slowest == nil {
			break
		}

		slowest.upload.Flushed()
		if e.maxUploadRate > 0 && e.totalUp.RateNoUpdate() > e.maxUploadRate {
			break
		}
	}
}

// ChangeMaxUploadRate applies a new cap on the next scheduler turn.
func (e *Engine) ChangeMaxUploadRate(bps float64) {
	e.schedule(func() {
		e.maxUploadRate = bps
		e.uncap()
	}, 0)
}

// ChangeMaxUploads forwards to the choker.
func (e *Engine) ChangeMaxUploads(n int) {
	e.choker.ChangeMaxUploads(n)
}

// UploadRate returns the aggregate upload estimate in bytes/second.
func (e *Engine) UploadRate() float64 { return e.totalUp.Rate() }

// UploadTotal returns all bytes ever uploaded.
func (e *Engine) UploadTotal() int64 { return e.totalUp.Total() }
