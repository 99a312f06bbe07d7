package choker

import (
	"math/rand"
	"sort"
	"time"
)

// Upload is the per-peer upload surface the choker drives.
type Upload interface {
	Choke()
	Unchoke()
	IsChoked() bool
	IsInterested() bool
	GetRate() float64
}

// Download supplies the signals used for ranking peers while leeching.
type Download interface {
	IsSnubbed() bool
	GetRate() float64
}

// Connection is one peer as the choker sees it.
type Connection interface {
	GetUpload() Upload
	GetDownload() Download
}

// Choker periodically decides which peers may download from us: the fastest
// interested peers by rate, topped up to the minimum slot count, plus one
// optimistic slot rotated every third tick. The connection list's order is
// the round-robin state; it is rotated in place.
type Choker struct {
	maxUploads  int
	minUploads  int
	interval    time.Duration
	schedule    func(task func(), delay time.Duration)
	done        func() bool
	connections []Connection
	count       int
	rng         *rand.Rand
}

// New starts the periodic rechoke. done reports whether we are seeding,
// which flips ranking to upload rate and disables snub checks.
func New(
	maxUploads, minUploads int,
	interval time.Duration,
	schedule func(task func(), delay time.Duration),
	done func() bool,
) *Choker {
	c := &Choker{
		maxUploads: maxUploads,
		minUploads: minUploads,
		interval:   interval,
		schedule:   schedule,
		done:       done,
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
	schedule(c.roundRobin, interval)

	return c
}

func (c *Choker) roundRobin() {
	c.schedule(c.roundRobin, c.interval)
	c.count++
	if c.count%3 == 0 {
		// Prime the optimistic slot: rotate the first choked-but-
		// interested peer to the head so the rechoke below lands on it.
		for i := range c.connections {
			u := c.connections[i].GetUpload()
			if u.IsChoked() && u.IsInterested() {
				c.connections = append(
					c.connections[i:], c.connections[:i]...)
				break
			}
		}
	}
	c.rechoke()
}

func (c *Choker) snubbed(conn Connection) bool {
	if c.done() {
		return false
	}
	return conn.GetDownload().IsSnubbed()
}

func (c *Choker) rate(conn Connection) float64 {
	if c.done() {
		return conn.GetUpload().GetRate()
	}
	return conn.GetDownload().GetRate()
}

func (c *Choker) rechoke() {
	var preferred []Connection
	for _, conn := range c.connections {
		if !c.snubbed(conn) && conn.GetUpload().IsInterested() {
			preferred = append(preferred, conn)
		}
	}
	sort.SliceStable(preferred, func(i, j int) bool {
		return c.rate(preferred[i]) > c.rate(preferred[j])
	})
	keep := c.maxUploads - 1
	if keep < 0 {
		keep = 0
	}
	if len(preferred) > keep {
		preferred = preferred[:keep]
	}

	isPreferred := make(map[Connection]bool, len(preferred))
	for _, conn := range preferred {
		isPreferred[conn] = true
	}

	count := len(preferred)
	hit := false
	for _, conn := range c.connections {
		u := conn.GetUpload()
		if isPreferred[conn] {
			u.Unchoke()
			continue
		}

		if count < c.minUploads || !hit {
			// Still short of the interested-slot floor, or no
			// optimistic unchoke designated yet. This can unchoke
			// peers that are not interested; they cost nothing
			// until they ask for data.
			u.Unchoke()
			if u.IsInterested() {
				count++
				hit = true
			}
		} else {
			u.Choke()
		}
	}
}

// ConnectionMade inserts a new peer at a uniformly random position with a
// slight bias toward the head, giving it an above-uniform shot at the
// optimistic slot.
func (c *Choker) ConnectionMade(conn Connection) {
	c.ConnectionMadeAt(conn, c.rng.Intn(len(c.connections)+3)-2)
}

// ConnectionMadeAt pins the insertion position (clamped at the head).
func (c *Choker) ConnectionMadeAt(conn Connection, p int) {
	if p < 0 {
		p = 0
	}
	if p > len(c.connections) {
		p = len(c.connections)
	}

	c.connections = append(c.connections, nil)
	copy(c.connections[p+1:], c.connections[p:])
	c.connections[p] = conn
	c.rechoke()
}

// ConnectionLost drops the peer; a vacated unchoke slot is refilled
// immediately.
func (c *Choker) ConnectionLost(conn Connection) {
	for i, x := range c.connections {
		if x == conn {
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			break
		}
	}

	u := conn.GetUpload()
	if u.IsInterested() && !u.IsChoked() {
		c.rechoke()
	}
}

// Interested reconsiders slots when an unchoked peer turns interested.
func (c *Choker) Interested(conn Connection) {
	if !conn.GetUpload().IsChoked() {
		c.rechoke()
	}
}

// NotInterested reconsiders slots when an unchoked peer loses interest.
func (c *Choker) NotInterested(conn Connection) {
	if !conn.GetUpload().IsChoked() {
		c.rechoke()
	}
}

// ChangeMaxUploads applies a new slot count on the next scheduler turn, so
// all mutation stays on the reactor thread.
func (c *Choker) ChangeMaxUploads(n int) {
	c.schedule(func() {
		c.maxUploads = n
		c.rechoke()
	}, 0)
}

// Connections returns the live list, in round-robin order.
func (c *Choker) Connections() []Connection { return c.connections }
