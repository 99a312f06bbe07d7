package store

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prxssh/warren/pkg/bitfield"
)

// Backend is the byte-addressed storage below the piece layer; fileio.Storage
// implements it in production.
type Backend interface {
	Read(pos, amount int64) ([]byte, error)
	Write(pos int64, b []byte) error
	WasPreallocated(pos, length int64) bool
	TotalLength() int64
}

// Request is a block of a piece: the half-open range
// [Begin, Begin+Length) within it.
type Request struct {
	Begin  int
	Length int
}

// Hooks are the store's upward notifications. Finished fires at most once:
// when the last piece validates, or from New when the resume scan leaves
// nothing to download (or there are no pieces). Failed fires at most once, on a
// torrent-fatal fault; the store refuses further work after it. DataFlunked
// reports the byte length of a fully downloaded piece that failed its hash.
type Hooks struct {
	Finished    func()
	Failed      func(error)
	DataFlunked func(length int)
	Status      func(fractionDone float64)
}

var (
	ErrTotalTooSmall = errors.New("store: bad data from tracker - total too small")
	ErrTotalTooBig   = errors.New("store: bad data from tracker - total too big")
)

type reqState uint8

const (
	// reqUnexpanded means the piece's block list has not been materialized.
	reqUnexpanded reqState = iota
	reqExpanded
	reqDone
)

// Store bridges pieces to fixed-size on-disk segments. A piece's bytes may
// temporarily live in another piece's segment; places tracks the current
// piece→segment assignment and segments is its inverse. holes lists segments
// never yet allocated, in ascending order.
type Store struct {
	backend     Backend
	requestSize int
	hashes      [][sha1.Size]byte
	pieceSize   int64
	totalLength int64

	amountLeft     int64
	amountInactive int64
	endgame        bool

	numActive []int
	reqStates []reqState
	inactive  [][]Request

	have       bitfield.Bitfield
	wasChecked []bool

	places   map[int]int
	segments map[int]int
	holes    []int

	hooks    Hooks
	log      *slog.Logger
	poisoned bool
}

// New opens the store over backend and classifies existing data for resume.
// With checkHashes disabled, preallocated segments are trusted to hold their
// own piece and verified lazily on first serve.
func New(
	backend Backend,
	requestSize int,
	hashes [][sha1.Size]byte,
	pieceSize int64,
	checkHashes bool,
	hooks Hooks,
	log *slog.Logger,
) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	n := len(hashes)
	total := backend.TotalLength()
	if n > 0 && total <= pieceSize*int64(n-1) {
		return nil, ErrTotalTooSmall
	}
	if total > pieceSize*int64(n) {
		return nil, ErrTotalTooBig
	}

	s := &Store{
		backend:        backend,
		requestSize:    requestSize,
		hashes:         hashes,
		pieceSize:      pieceSize,
		totalLength:    total,
		amountLeft:     total,
		amountInactive: total,
		numActive:      make([]int, n),
		reqStates:      make([]reqState, n),
		inactive:       make([][]Request, n),
		have:           bitfield.New(n),
		wasChecked:     make([]bool, n),
		places:         make(map[int]int),
		segments:       make(map[int]int),
		holes:          nil,
		hooks:          hooks,
		log:            log.With("component", "store"),
	}
	for i := range s.wasChecked {
		s.wasChecked[i] = checkHashes
	}

	if n == 0 {
		s.finished()
		return s, nil
	}

	if err := s.classify(checkHashes); err != nil {
		return nil, err
	}

	if s.amountLeft == 0 {
		s.finished()
	}

	return s, nil
}

// classify walks every segment once: holes for unallocated ones, claimed or
// parked places for preallocated ones, identifying relocatable pieces by
// hash.
func (s *Store) classify(checkHashes bool) error {
	n := len(s.hashes)

	// Pieces that are not preallocated may be sitting in someone else's
	// segment; index them by hash so a scan hit can claim them.
	targets := make(map[[sha1.Size]byte][]int)
	anyPre := false
	for i := 0; i < n; i++ {
		if !s.wasPre(i) {
			targets[s.hashes[i]] = append(targets[s.hashes[i]], i)
		} else {
			anyPre = true
		}
	}

	if anyPre && checkHashes {
		s.status(0)
	}

	lastLen := s.pieceLen(n - 1)
	for i := 0; i < n; i++ {
		switch {
		case !s.wasPre(i):
			s.holes = append(s.holes, i)

		case !checkHashes:
			s.markGot(i, i, checkHashes)

		default:
			head, err := s.backend.Read(s.pieceSize*int64(i), lastLen)
			if err != nil {
				return err
			}
			tail, err := s.backend.Read(s.pieceSize*int64(i)+lastLen, s.pieceLen(i)-lastLen)
			if err != nil {
				return err
			}

			partial := sha1.Sum(head)
			full := sha1.Sum(append(head, tail...))

			switch {
			case full == s.hashes[i]:
				s.markGot(i, i, checkHashes)

			case len(targets[full]) > 0 &&
				s.pieceLen(i) == s.pieceLen(targets[full][len(targets[full])-1]):
				cands := targets[full]
				piece := cands[len(cands)-1]
				targets[full] = cands[:len(cands)-1]
				s.markGot(piece, i, checkHashes)

			case !s.have.Has(n-1) && partial == s.hashes[n-1] &&
				(i == n-1 || !s.wasPre(n-1)):
				s.markGot(n-1, i, checkHashes)

			default:
				// An allocated segment holding no recognizable
				// piece: park it so piece i can be written
				// straight in when it arrives.
				s.places[i] = i
				s.segments[i] = i
			}

			s.status(1 - float64(s.amountLeft)/float64(s.totalLength))
		}
	}

	return nil
}

func (s *Store) markGot(piece, pos int, checkHashes bool) {
	s.places[piece] = pos
	s.segments[pos] = piece
	s.have.Set(piece)
	s.amountLeft -= s.pieceLen(piece)
	s.amountInactive -= s.pieceLen(piece)
	s.reqStates[piece] = reqDone
	s.wasChecked[piece] = checkHashes
}

func (s *Store) wasPre(piece int) bool {
	return s.backend.WasPreallocated(s.pieceSize*int64(piece), s.pieceLen(piece))
}

func (s *Store) pieceLen(piece int) int64 {
	if piece < len(s.hashes)-1 {
		return s.pieceSize
	}
	return s.totalLength - int64(piece)*s.pieceSize
}

// PieceLength returns the byte length of the given piece.
func (s *Store) PieceLength(piece int) int64 { return s.pieceLen(piece) }

// NumPieces returns how many pieces the torrent has.
func (s *Store) NumPieces() int { return len(s.hashes) }

// AmountLeft returns the bytes not yet downloaded and validated.
func (s *Store) AmountLeft() int64 { return s.amountLeft }

// HaveAnything reports whether at least one piece is present.
func (s *Store) HaveAnything() bool { return s.amountLeft < s.totalLength }

// HasPiece reports whether the piece is present (validation may be lazy).
func (s *Store) HasPiece(piece int) bool { return s.have.Has(piece) }

// HaveList returns the wire encoding of the have bitfield.
func (s *Store) HaveList() []byte { return s.have.Bytes() }

// IsEndgame reports whether every missing block is either downloaded or
// outstanding.
func (s *Store) IsEndgame() bool { return s.endgame }

// HasRequests reports whether the piece still has blocks nobody requested.
func (s *Store) HasRequests(piece int) bool {
	switch s.reqStates[piece] {
	case reqUnexpanded:
		return true
	case reqExpanded:
		return len(s.inactive[piece]) > 0
	default:
		return false
	}
}

// NewRequest hands out the piece's lowest-offset unrequested block. The
// caller must have seen HasRequests return true.
func (s *Store) NewRequest(piece int) (begin, length int) {
	if s.reqStates[piece] == reqUnexpanded {
		s.expand(piece)
	}

	best := 0
	for i, r := range s.inactive[piece] {
		if r.Begin < s.inactive[piece][best].Begin {
			best = i
		}
	}
	r := s.inactive[piece][best]
	s.inactive[piece] = append(s.inactive[piece][:best], s.inactive[piece][best+1:]...)

	s.numActive[piece]++
	s.amountInactive -= int64(r.Length)
	if s.amountInactive == 0 {
		s.endgame = true
	}

	return r.Begin, r.Length
}

func (s *Store) expand(piece int) {
	length := int(s.pieceLen(piece))

	var blocks []Request
	x := 0
	for x+s.requestSize < length {
		blocks = append(blocks, Request{Begin: x, Length: s.requestSize})
		x += s.requestSize
	}
	blocks = append(blocks, Request{Begin: x, Length: length - x})

	s.reqStates[piece] = reqExpanded
	s.inactive[piece] = blocks
}

// RequestLost puts a handed-out block back into the unrequested pool.
func (s *Store) RequestLost(piece, begin, length int) {
	s.inactive[piece] = append(s.inactive[piece], Request{Begin: begin, Length: length})
	s.amountInactive += int64(length)
	s.numActive[piece]--
}

// PieceCameIn stores an arriving block, allocating and relocating segments
// as needed, and validates the piece once its last block lands. It returns
// false when the completed piece failed its hash check (the block pool is
// reset so the piece can be re-downloaded); torrent-fatal faults go through
// the Failed hook instead.
func (s *Store) PieceCameIn(piece, begin int, data []byte) bool {
	if s.poisoned {
		return true
	}

	ok, err := s.pieceCameIn(piece, begin, data)
	if err != nil {
		s.fail(err)
		return true
	}
	return ok
}

func (s *Store) pieceCameIn(piece, begin int, data []byte) (bool, error) {
	if _, placed := s.places[piece]; !placed {
		if err := s.allocate(piece); err != nil {
			return false, err
		}
	}

	pos := int64(s.places[piece])*s.pieceSize + int64(begin)
	if err := s.backend.Write(pos, data); err != nil {
		return false, err
	}

	s.numActive[piece]--
	if s.reqStates[piece] != reqExpanded || len(s.inactive[piece]) > 0 ||
		s.numActive[piece] > 0 {
		return true, nil
	}

	whole, err := s.backend.Read(int64(s.places[piece])*s.pieceSize, s.pieceLen(piece))
	if err != nil {
		return false, err
	}

	if sha1.Sum(whole) != s.hashes[piece] {
		if s.hooks.DataFlunked != nil {
			s.hooks.DataFlunked(int(s.pieceLen(piece)))
		}
		s.reqStates[piece] = reqUnexpanded
		s.inactive[piece] = nil
		s.amountInactive += s.pieceLen(piece)
		return false, nil
	}

	s.have.Set(piece)
	s.reqStates[piece] = reqDone
	s.inactive[piece] = nil
	s.wasChecked[piece] = true
	s.amountLeft -= s.pieceLen(piece)
	if s.amountLeft == 0 {
		s.finished()
	}

	return true, nil
}

// allocate finds a segment for a piece seeing its first block. Segments are
// claimed in ascending hole order so files grow from the front; whatever
// piece is parked in the way gets moved home or aside first.
func (s *Store) allocate(piece int) error {
	n := s.holes[0]
	s.holes = s.holes[1:]

	if oldpos, ok := s.places[n]; ok {
		// Piece n is parked at segment oldpos; its home segment just
		// opened up, so move it there before anything else claims it.
		old, err := s.backend.Read(int64(oldpos)*s.pieceSize, s.pieceLen(n))
		if err != nil {
			return err
		}
		if s.have.Has(n) && sha1.Sum(old) != s.hashes[n] {
			return errors.New("data corrupted on disk - maybe you have two copies running?")
		}
		if err := s.backend.Write(int64(n)*s.pieceSize, old); err != nil {
			return err
		}
		s.places[n] = n
		s.segments[n] = n

		if piece == oldpos || s.inHoles(piece) {
			s.places[piece] = oldpos
			s.segments[oldpos] = piece
			return nil
		}

		// Piece `piece` belongs at segment `piece`, which some other
		// piece occupies; evict that one into the vacated segment.
		r := s.segments[piece]
		moved, err := s.backend.Read(int64(piece)*s.pieceSize, s.pieceLen(r))
		if err != nil {
			return err
		}
		if err := s.backend.Write(int64(oldpos)*s.pieceSize, moved); err != nil {
			return err
		}
		s.places[r] = oldpos
		s.segments[oldpos] = r
		s.places[piece] = piece
		s.segments[piece] = piece
		return nil
	}

	if s.inHoles(piece) || piece == n {
		if !s.backend.WasPreallocated(int64(n)*s.pieceSize, s.pieceLen(n)) {
			fill := bytes.Repeat([]byte{0xFF}, int(s.pieceLen(n)))
			if err := s.backend.Write(int64(n)*s.pieceSize, fill); err != nil {
				return err
			}
		}
		s.places[piece] = n
		s.segments[n] = piece
		return nil
	}

	// Segment `piece` is occupied by another piece; move it to the fresh
	// segment and take our home slot.
	r := s.segments[piece]
	moved, err := s.backend.Read(int64(piece)*s.pieceSize, s.pieceLen(r))
	if err != nil {
		return err
	}
	if err := s.backend.Write(int64(n)*s.pieceSize, moved); err != nil {
		return err
	}
	s.places[r] = n
	s.segments[n] = r
	s.places[piece] = piece
	s.segments[piece] = piece
	return nil
}

func (s *Store) inHoles(piece int) bool {
	for _, h := range s.holes {
		if h == piece {
			return true
		}
	}
	return false
}

// GetPiece serves length bytes at begin from a present piece. A piece that
// was trusted at startup is verified on its first serve; a mismatch there is
// torrent-fatal.
func (s *Store) GetPiece(piece, begin, length int) ([]byte, bool) {
	if s.poisoned || !s.have.Has(piece) {
		return nil, false
	}

	if !s.wasChecked[piece] {
		whole, err := s.backend.Read(int64(s.places[piece])*s.pieceSize, s.pieceLen(piece))
		if err != nil {
			s.fail(err)
			return nil, false
		}
		if sha1.Sum(whole) != s.hashes[piece] {
			s.fail(errors.New("told file complete on start-up, but piece failed hash check"))
			return nil, false
		}
		s.wasChecked[piece] = true
	}

	if int64(begin)+int64(length) > s.pieceLen(piece) {
		return nil, false
	}

	data, err := s.backend.Read(int64(s.places[piece])*s.pieceSize+int64(begin), int64(length))
	if err != nil {
		s.fail(err)
		return nil, false
	}
	return data, true
}

func (s *Store) finished() {
	if s.hooks.Finished != nil {
		s.hooks.Finished()
	}
}

func (s *Store) fail(err error) {
	if s.poisoned {
		return
	}
	s.poisoned = true
	s.log.Error("torrent failed", "error", err.Error())
	if s.hooks.Failed != nil {
		s.hooks.Failed(fmt.Errorf("storage: %w", err))
	}
}

func (s *Store) status(fractionDone float64) {
	if s.hooks.Status != nil {
		s.hooks.Status(fractionDone)
	}
}
