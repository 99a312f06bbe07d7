package picker

import (
	"math"
	"math/rand"
)

// Picker ranks missing pieces rarest-first. Pieces live in dense buckets
// keyed by availability (how many connected peers have them); moves between
// buckets are O(1) swap-removes, and a per-piece position index makes the
// swap possible. Insertion position within a bucket is randomized so equally
// rare pieces are not herded in index order.
//
// Pieces with at least one outstanding request ("started") are preferred so
// partially downloaded pieces finish before new ones are opened.
type Picker struct {
	numPieces int
	rng       *rand.Rand

	// avail[i] is piece i's availability, or -1 once complete.
	avail   []int
	buckets [][]int
	pos     []int

	started     []int
	seedStarted []int
	numGot      int
}

func New(numPieces int) *Picker {
	return NewSeeded(numPieces, uint64(rand.Int63()), uint64(rand.Int63()))
}

// NewSeeded pins the tie-break randomization, for tests.
func NewSeeded(numPieces int, seed1, seed2 uint64) *Picker {
	p := &Picker{
		numPieces: numPieces,
		rng:       rand.New(rand.NewSource(int64(seed1 ^ seed2))),
		avail:     make([]int, numPieces),
		buckets:   make([][]int, 1),
		pos:       make([]int, numPieces),
	}

	p.buckets[0] = make([]int, numPieces)
	for i := 0; i < numPieces; i++ {
		p.buckets[0][i] = i
		p.pos[i] = i
	}

	return p
}

// GotHave records that one more peer has the piece.
func (p *Picker) GotHave(piece int) {
	if p.avail[piece] < 0 {
		return
	}

	a := p.avail[piece]
	p.removeFrom(piece, a)
	p.addTo(piece, a+1)
	p.avail[piece] = a + 1
}

// LostHave records that a peer with the piece disconnected.
func (p *Picker) LostHave(piece int) {
	if p.avail[piece] <= 0 {
		return
	}

	a := p.avail[piece]
	p.removeFrom(piece, a)
	p.addTo(piece, a-1)
	p.avail[piece] = a - 1
}

// Requested records that a request for the piece has gone out. Seeding-mode
// requests are tracked separately so a seeding peer restarts its own set.
func (p *Picker) Requested(piece int, seeding bool) {
	list := &p.started
	if seeding {
		list = &p.seedStarted
	}

	for _, s := range *list {
		if s == piece {
			return
		}
	}
	*list = append(*list, piece)
}

// Complete removes the piece from the pool.
func (p *Picker) Complete(piece int) {
	if p.avail[piece] < 0 {
		return
	}

	p.numGot++
	p.removeFrom(piece, p.avail[piece])
	p.avail[piece] = -1
	p.started = removeInt(p.started, piece)
	p.seedStarted = removeInt(p.seedStarted, piece)
}

// Bump sends a piece to the back of its availability class, deprioritizing
// it after a failed validation.
func (p *Picker) Bump(piece int) {
	if p.avail[piece] < 0 {
		return
	}

	a := p.avail[piece]
	p.removeFrom(piece, a)
	p.buckets[a] = append(p.buckets[a], piece)
	p.pos[piece] = len(p.buckets[a]) - 1
}

// Next returns the rarest piece passing want, preferring started pieces
// (random among the rarest of them). ok is false when nothing qualifies.
// Pieces no connected peer has (availability 0) are never returned.
func (p *Picker) Next(want func(int) bool, seeding bool) (int, bool) {
	started := p.started
	if seeding {
		started = p.seedStarted
	}

	bestNum := math.MaxInt
	var bests []int
	for _, i := range started {
		if !want(i) {
			continue
		}
		if p.avail[i] < bestNum {
			bestNum = p.avail[i]
			bests = append(bests[:0], i)
		} else if p.avail[i] == bestNum {
			bests = append(bests, i)
		}
	}
	if len(bests) > 0 {
		return bests[p.rng.Intn(len(bests))], true
	}

	for a := 1; a < len(p.buckets); a++ {
		for _, piece := range p.buckets[a] {
			if want(piece) {
				return piece, true
			}
		}
	}

	return 0, false
}

// Availability returns how many connected peers have the piece; -1 once it
// is complete.
func (p *Picker) Availability(piece int) int { return p.avail[piece] }

// AmIComplete reports whether every piece is complete.
func (p *Picker) AmIComplete() bool { return p.numGot == p.numPieces }

func (p *Picker) removeFrom(piece, a int) {
	bucket := p.buckets[a]
	last := len(bucket) - 1
	at := p.pos[piece]

	bucket[at] = bucket[last]
	p.pos[bucket[at]] = at
	p.buckets[a] = bucket[:last]
}

func (p *Picker) addTo(piece, a int) {
	for len(p.buckets) <= a {
		p.buckets = append(p.buckets, nil)
	}

	bucket := append(p.buckets[a], piece)
	idx := len(bucket) - 1
	if idx > 0 {
		j := p.rng.Intn(idx + 1)
		bucket[idx], bucket[j] = bucket[j], bucket[idx]
		p.pos[bucket[idx]] = idx
		p.pos[bucket[j]] = j
	} else {
		p.pos[piece] = 0
	}
	p.buckets[a] = bucket
}

func removeInt(list []int, v int) []int {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
