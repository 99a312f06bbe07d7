package peer

import (
	"time"

	"github.com/prxssh/warren/internal/meter"
)

// ServeStore is the piece store as the uploader sees it.
type ServeStore interface {
	HaveAnything() bool
	HaveList() []byte
	GetPiece(piece, begin, length int) ([]byte, bool)
}

// UploadOpts configures one peer's upload side. The choker callbacks fire on
// interest transitions so it can reconsider its slots.
type UploadOpts struct {
	MaxSliceLength  int
	MaxRatePeriod   time.Duration
	OnInterested    func()
	OnNotInterested func()
	Clock           func() time.Time
}

// Upload serves one peer's block requests, subject to our choke decision.
// Requests queue in arrival order and drain whenever the connection reports
// itself flushed; choking drops the whole queue.
type Upload struct {
	conn            Conn
	storage         ServeStore
	maxSliceLength  int
	onInterested    func()
	onNotInterested func()
	choked          bool
	interested      bool
	buffer          []request
	measure         *meter.Measure
}

func NewUpload(conn Conn, storage ServeStore, opts *UploadOpts) *Upload {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	u := &Upload{
		conn:            conn,
		storage:         storage,
		maxSliceLength:  opts.MaxSliceLength,
		onInterested:    opts.OnInterested,
		onNotInterested: opts.OnNotInterested,
		choked:          true,
		measure:         meter.NewMeasureWithClock(opts.MaxRatePeriod, clock),
	}

	if storage.HaveAnything() {
		conn.SendBitfield(storage.HaveList())
	}

	return u
}

func (u *Upload) GotInterested() {
	if !u.interested {
		u.interested = true
		if u.onInterested != nil {
			u.onInterested()
		}
	}
}

func (u *Upload) GotNotInterested() {
	if u.interested {
		u.interested = false
		u.buffer = nil
		if u.onNotInterested != nil {
			u.onNotInterested()
		}
	}
}

// GotRequest enqueues a block request. A request from a peer that never
// declared interest, or for an oversized slice, is a protocol violation.
func (u *Upload) GotRequest(piece, begin, length int) {
	if !u.interested || length > u.maxSliceLength {
		u.conn.Close()
		return
	}
	if !u.choked {
		u.buffer = append(u.buffer, request{piece: piece, begin: begin, length: length})
		u.Flushed()
	}
}

func (u *Upload) GotCancel(piece, begin, length int) {
	u.buffer = removeRequest(u.buffer, request{piece: piece, begin: begin, length: length})
}

// Flushed drains queued requests while the connection accepts more data.
// The connection's IsFlushed consults the engine's rate cap, so this is
// where upload backpressure lands.
func (u *Upload) Flushed() {
	for len(u.buffer) > 0 && u.conn.IsFlushed() {
		r := u.buffer[0]
		u.buffer = u.buffer[1:]

		block, ok := u.storage.GetPiece(r.piece, r.begin, r.length)
		if !ok {
			u.conn.Close()
			return
		}
		u.measure.Update(len(block))
		u.conn.SendPiece(r.piece, r.begin, block)
	}
}

func (u *Upload) Choke() {
	if !u.choked {
		u.choked = true
		u.buffer = nil
		u.conn.SendChoke()
	}
}

func (u *Upload) Unchoke() {
	if u.choked {
		u.choked = false
		u.conn.SendUnchoke()
	}
}

func (u *Upload) IsChoked() bool     { return u.choked }
func (u *Upload) IsInterested() bool { return u.interested }
func (u *Upload) HasQueries() bool   { return len(u.buffer) > 0 }
func (u *Upload) GetRate() float64   { return u.measure.Rate() }
