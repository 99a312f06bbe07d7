package peer

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/prxssh/warren/internal/meter"
	"github.com/prxssh/warren/pkg/bitfield"
)

// Conn is the messaging surface the engine hands each per-peer state
// machine. Implementations frame and queue; sends never block.
type Conn interface {
	SendInterested()
	SendNotInterested()
	SendRequest(index, begin, length int)
	SendCancel(index, begin, length int)
	SendChoke()
	SendUnchoke()
	SendBitfield(bits []byte)
	SendPiece(index, begin int, block []byte)
	IsFlushed() bool
	Close()
}

// RequestStore is the piece store as the downloader sees it.
type RequestStore interface {
	IsEndgame() bool
	HasRequests(piece int) bool
	NewRequest(piece int) (begin, length int)
	RequestLost(piece, begin, length int)
	PieceCameIn(piece, begin int, data []byte) bool
	HasPiece(piece int) bool
}

// Picker is the piece selection strategy.
type Picker interface {
	GotHave(piece int)
	LostHave(piece int)
	Requested(piece int, seeding bool)
	Complete(piece int)
	Bump(piece int)
	Next(want func(int) bool, seeding bool) (int, bool)
	AmIComplete() bool
}

type request struct {
	piece, begin, length int
}

// DownloaderOpts configures the request flow shared by all peers.
type DownloaderOpts struct {
	Backlog       int
	MaxRatePeriod time.Duration
	SnubTime      time.Duration
	NumPieces     int

	// MeasureFunc observes every downloaded byte count, for global
	// accounting beyond the aggregate down meter (e.g. the ETA).
	MeasureFunc func(amount int)

	Log   *slog.Logger
	Clock func() time.Time

	// Seed1/Seed2 pin the redistribution shuffles, for tests.
	Seed1, Seed2 uint64
}

// Downloader owns the download half of every peer connection: which blocks
// are on the wire to whom, interest bookkeeping, and the endgame request set.
type Downloader struct {
	storage     RequestStore
	picker      Picker
	backlog     int
	ratePeriod  time.Duration
	snubTime    time.Duration
	numPieces   int
	downMeasure *meter.Measure
	measureFunc func(int)
	downloads   []*Download
	allRequests []request
	rng         *rand.Rand
	now         func() time.Time
	log         *slog.Logger
}

func NewDownloader(
	storage RequestStore,
	picker Picker,
	downMeasure *meter.Measure,
	opts *DownloaderOpts,
) *Downloader {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	seed1, seed2 := opts.Seed1, opts.Seed2
	if seed1 == 0 && seed2 == 0 {
		seed1, seed2 = uint64(rand.Int63()), uint64(rand.Int63())
	}
	measureFunc := opts.MeasureFunc
	if measureFunc == nil {
		measureFunc = func(int) {}
	}

	return &Downloader{
		storage:     storage,
		picker:      picker,
		backlog:     opts.Backlog,
		ratePeriod:  opts.MaxRatePeriod,
		snubTime:    opts.SnubTime,
		numPieces:   opts.NumPieces,
		downMeasure: downMeasure,
		measureFunc: measureFunc,
		rng:         rand.New(rand.NewSource(int64(seed1 ^ seed2))),
		now:         now,
		log:         log.With("component", "downloader"),
	}
}

// MakeDownload registers a new peer connection and returns its download
// state machine.
func (dl *Downloader) MakeDownload(conn Conn) *Download {
	d := &Download{
		downloader: dl,
		conn:       conn,
		choked:     true,
		measure:    meter.NewMeasureWithClock(dl.ratePeriod, dl.now),
		have:       bitfield.New(dl.numPieces),
	}
	dl.downloads = append(dl.downloads, d)
	return d
}

// Download tracks the request flow to a single peer.
type Download struct {
	downloader     *Downloader
	conn           Conn
	choked         bool
	interested     bool
	activeRequests []request
	measure        *meter.Measure
	have           bitfield.Bitfield
	last           time.Time

	// exampleInterest remembers one piece that justified the current
	// interested state so it can be cheaply re-validated.
	exampleInterest int
	hasExample      bool
}

// Disconnected releases everything the peer was holding: availability
// counts and in-flight block reservations.
func (d *Download) Disconnected() {
	for i, other := range d.downloader.downloads {
		if other == d {
			d.downloader.downloads = append(
				d.downloader.downloads[:i], d.downloader.downloads[i+1:]...)
			break
		}
	}

	for i := 0; i < d.downloader.numPieces; i++ {
		if d.have.Has(i) {
			d.downloader.picker.LostHave(i)
		}
	}
	d.letGo()
}

// letGo returns in-flight requests to the store and redistributes the lost
// pieces: unchoked peers get a chance to pick them up first, then
// choked-and-uninterested peers holding one of them turn interested.
func (d *Download) letGo() {
	if len(d.activeRequests) == 0 {
		return
	}
	if d.downloader.storage.IsEndgame() {
		// Everything here is outstanding to other peers anyway.
		d.activeRequests = nil
		return
	}

	var lost []int
	for _, r := range d.activeRequests {
		d.downloader.storage.RequestLost(r.piece, r.begin, r.length)
		if !containsInt(lost, r.piece) {
			lost = append(lost, r.piece)
		}
	}
	d.activeRequests = nil

	unchoked := make([]*Download, 0, len(d.downloader.downloads))
	for _, other := range d.downloader.downloads {
		if !other.choked {
			unchoked = append(unchoked, other)
		}
	}
	d.downloader.rng.Shuffle(len(unchoked), func(i, j int) {
		unchoked[i], unchoked[j] = unchoked[j], unchoked[i]
	})
	for _, other := range unchoked {
		other.requestMore(lost)
	}

	for _, other := range d.downloader.downloads {
		if !other.choked || other.interested {
			continue
		}
		for _, l := range lost {
			if other.have.Has(l) && d.downloader.storage.HasRequests(l) {
				other.interested = true
				other.conn.SendInterested()
				break
			}
		}
	}
}

func (d *Download) GotChoke() {
	if !d.choked {
		d.choked = true
		d.letGo()
	}
}

func (d *Download) GotUnchoke() {
	if d.choked {
		d.choked = false
		if d.interested {
			d.requestMore(nil)
		}
	}
}

func (d *Download) IsChoked() bool     { return d.choked }
func (d *Download) IsInterested() bool { return d.interested }

// GotPiece feeds an arriving block through the store and drives the
// follow-up traffic: endgame cancels, flunk retries, HAVE-worthy
// completions. It reports whether the piece is now fully present and valid.
func (d *Download) GotPiece(piece, begin int, data []byte) bool {
	r := request{piece: piece, begin: begin, length: len(data)}
	if !d.removeActive(r) {
		// Cancelled or never ours; the store must not see it twice.
		return false
	}
	if d.downloader.storage.IsEndgame() {
		d.downloader.allRequests = removeRequest(d.downloader.allRequests, r)
	}

	d.last = d.downloader.now()
	d.measure.Update(len(data))
	d.downloader.measureFunc(len(data))
	d.downloader.downMeasure.Update(len(data))

	if !d.downloader.storage.PieceCameIn(piece, begin, data) {
		// The piece completed but flunked its hash.
		d.downloader.log.Debug("piece flunked hash", "piece", piece)
		if d.downloader.storage.IsEndgame() {
			for d.downloader.storage.HasRequests(piece) {
				nb, nl := d.downloader.storage.NewRequest(piece)
				d.downloader.allRequests = append(d.downloader.allRequests,
					request{piece: piece, begin: nb, length: nl})
			}
			for _, other := range d.downloader.downloads {
				other.fixDownloadEndgame()
			}
			return false
		}

		d.downloader.picker.Bump(piece)
		unchoked := make([]*Download, 0, len(d.downloader.downloads))
		for _, other := range d.downloader.downloads {
			if !other.choked {
				unchoked = append(unchoked, other)
			}
		}
		d.downloader.rng.Shuffle(len(unchoked), func(i, j int) {
			unchoked[i], unchoked[j] = unchoked[j], unchoked[i]
		})
		for _, other := range unchoked {
			other.requestMore([]int{piece})
		}
		return false
	}

	if d.downloader.storage.HasPiece(piece) {
		d.downloader.picker.Complete(piece)
	}

	if d.downloader.storage.IsEndgame() {
		for _, other := range d.downloader.downloads {
			if other == d || !other.interested {
				continue
			}
			if other.choked {
				other.fixDownloadEndgame()
				continue
			}
			if other.removeActive(r) {
				other.conn.SendCancel(piece, begin, len(data))
				other.fixDownloadEndgame()
			}
		}
	}

	d.requestMore(nil)

	if d.downloader.picker.AmIComplete() {
		for _, other := range append([]*Download(nil), d.downloader.downloads...) {
			if other.have.NumUnset(d.downloader.numPieces) == 0 {
				other.conn.Close()
			}
		}
	}

	return d.downloader.storage.HasPiece(piece)
}

func (d *Download) want(piece int) bool {
	return d.have.Has(piece) && d.downloader.storage.HasRequests(piece)
}

func (d *Download) isSeed() bool {
	return d.have.NumUnset(d.downloader.numPieces) == 0
}

// requestMore tops the peer's pipeline up to the backlog, restricted to
// indices when given. Pieces whose last block goes out here trigger interest
// re-evaluation on peers that were only interested for their sake.
func (d *Download) requestMore(indices []int) {
	if d.choked {
		return
	}
	if len(d.activeRequests) >= d.downloader.backlog {
		return
	}
	if d.downloader.storage.IsEndgame() {
		d.fixDownloadEndgame()
		return
	}

	var lostInterests []int
	for len(d.activeRequests) < d.downloader.backlog {
		interest := -1
		if indices == nil {
			if piece, ok := d.downloader.picker.Next(d.want, d.isSeed()); ok {
				interest = piece
			}
		} else {
			for _, i := range indices {
				if d.have.Has(i) && d.downloader.storage.HasRequests(i) {
					interest = i
					break
				}
			}
		}
		if interest < 0 {
			break
		}

		if !d.interested {
			d.interested = true
			d.conn.SendInterested()
		}
		d.exampleInterest = interest
		d.hasExample = true

		begin, length := d.downloader.storage.NewRequest(interest)
		d.downloader.picker.Requested(interest, d.isSeed())
		d.activeRequests = append(d.activeRequests,
			request{piece: interest, begin: begin, length: length})
		d.conn.SendRequest(interest, begin, length)

		if !d.downloader.storage.HasRequests(interest) {
			lostInterests = append(lostInterests, interest)
		}
	}

	if len(d.activeRequests) == 0 && d.interested {
		d.interested = false
		d.conn.SendNotInterested()
	}

	if len(lostInterests) > 0 {
		for _, other := range d.downloader.downloads {
			if len(other.activeRequests) > 0 || !other.interested {
				continue
			}
			if other.hasExample &&
				d.downloader.storage.HasRequests(other.exampleInterest) {
				continue
			}
			holdsLost := false
			for _, lost := range lostInterests {
				if other.have.Has(lost) {
					holdsLost = true
					break
				}
			}
			if !holdsLost {
				continue
			}

			if piece, ok := d.downloader.picker.Next(other.want, other.isSeed()); ok {
				other.exampleInterest = piece
				other.hasExample = true
			} else {
				other.interested = false
				other.conn.SendNotInterested()
			}
		}
	}

	if d.downloader.storage.IsEndgame() {
		// Endgame just flipped on: consolidate everyone's in-flight
		// blocks and let every peer chase the union.
		d.downloader.allRequests = nil
		for _, other := range d.downloader.downloads {
			d.downloader.allRequests = append(
				d.downloader.allRequests, other.activeRequests...)
		}
		for _, other := range d.downloader.downloads {
			other.fixDownloadEndgame()
		}
	}
}

// fixDownloadEndgame reconciles this peer against the consolidated request
// set: interest follows whether it can still contribute, and spare backlog
// is filled with a random sample of blocks outstanding elsewhere.
func (d *Download) fixDownloadEndgame() {
	var want []request
	seen := make(map[request]bool)
	for _, r := range d.downloader.allRequests {
		if !d.have.Has(r.piece) || d.hasActive(r) || seen[r] {
			continue
		}
		seen[r] = true
		want = append(want, r)
	}

	if d.interested && len(d.activeRequests) == 0 && len(want) == 0 {
		d.interested = false
		d.conn.SendNotInterested()
		return
	}
	if !d.interested && len(want) > 0 {
		d.interested = true
		d.conn.SendInterested()
	}
	if d.choked {
		return
	}

	d.downloader.rng.Shuffle(len(want), func(i, j int) {
		want[i], want[j] = want[j], want[i]
	})
	if spare := d.downloader.backlog - len(d.activeRequests); spare < len(want) {
		if spare < 0 {
			spare = 0
		}
		want = want[:spare]
	}
	for _, r := range want {
		d.activeRequests = append(d.activeRequests, r)
		d.conn.SendRequest(r.piece, r.begin, r.length)
	}
}

func (d *Download) GotHave(piece int) {
	if piece < 0 || piece >= d.downloader.numPieces || d.have.Has(piece) {
		return
	}
	d.have.Set(piece)
	d.downloader.picker.GotHave(piece)

	if d.downloader.picker.AmIComplete() && d.isSeed() {
		// Two seeds have nothing to trade.
		d.conn.Close()
		return
	}

	if d.downloader.storage.IsEndgame() {
		d.fixDownloadEndgame()
	} else if d.downloader.storage.HasRequests(piece) {
		if !d.choked {
			d.requestMore([]int{piece})
		} else if !d.interested {
			d.interested = true
			d.conn.SendInterested()
		}
	}
}

func (d *Download) GotHaveBitfield(have bitfield.Bitfield) {
	d.have = have
	for i := 0; i < d.downloader.numPieces; i++ {
		if d.have.Has(i) {
			d.downloader.picker.GotHave(i)
		}
	}

	if d.downloader.picker.AmIComplete() && d.isSeed() {
		d.conn.Close()
		return
	}

	if d.downloader.storage.IsEndgame() {
		for _, r := range d.downloader.allRequests {
			if d.have.Has(r.piece) {
				d.interested = true
				d.conn.SendInterested()
				return
			}
		}
	}

	for i := 0; i < d.downloader.numPieces; i++ {
		if d.want(i) {
			d.interested = true
			d.conn.SendInterested()
			return
		}
	}
}

// GetRate returns the decayed download rate from this peer in bytes/second.
func (d *Download) GetRate() float64 { return d.measure.Rate() }

// IsSnubbed reports whether the peer has gone silent beyond the snub
// threshold. The choker additionally ignores snubbing while seeding.
func (d *Download) IsSnubbed() bool {
	return d.downloader.now().Sub(d.last) > d.downloader.snubTime
}

func (d *Download) hasActive(r request) bool {
	for _, a := range d.activeRequests {
		if a == r {
			return true
		}
	}
	return false
}

func (d *Download) removeActive(r request) bool {
	for i, a := range d.activeRequests {
		if a == r {
			d.activeRequests = append(d.activeRequests[:i], d.activeRequests[i+1:]...)
			return true
		}
	}
	return false
}

func removeRequest(list []request, r request) []request {
	for i, a := range list {
		if a == r {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
