package choker

import (
	"testing"
	"time"
)

// dummyScheduler records scheduled tasks; tests fire them by hand.
type dummyScheduler struct {
	tasks  []func()
	delays []time.Duration
}

func (s *dummyScheduler) schedule(task func(), delay time.Duration) {
	s.tasks = append(s.tasks, task)
	s.delays = append(s.delays, delay)
}

type dummyUpload struct {
	interested bool
	choked     bool
}

func (u *dummyUpload) Choke() {
	u.choked = true
}

func (u *dummyUpload) Unchoke() {
	u.choked = false
}

func (u *dummyUpload) IsChoked() bool     { return u.choked }
func (u *dummyUpload) IsInterested() bool { return u.interested }
func (u *dummyUpload) GetRate() float64   { return 0 }

type dummyDownload struct {
	conn *dummyConn
}

func (d *dummyDownload) IsSnubbed() bool  { return d.conn.snubbed }
func (d *dummyDownload) GetRate() float64 { return d.conn.rate }

type dummyConn struct {
	u       *dummyUpload
	d       *dummyDownload
	rate    float64
	snubbed bool
}

func newConn(rate float64) *dummyConn {
	c := &dummyConn{u: &dummyUpload{choked: true}, rate: rate}
	c.d = &dummyDownload{conn: c}
	return c
}

func (c *dummyConn) GetUpload() Upload     { return c.u }
func (c *dummyConn) GetDownload() Download { return c.d }

func notDone() bool { return false }

func newTestChoker(maxUploads int, s *dummyScheduler) *Choker {
	return New(maxUploads, maxUploads, 10*time.Second, s.schedule, notDone)
}

// tick fires the pending round-robin task (which reschedules itself).
func (s *dummyScheduler) tick() {
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.delays = s.delays[1:]
	task()
}

func assertChoked(t *testing.T, conns []*dummyConn, want []bool) {
	t.Helper()
	for i, c := range conns {
		if c.u.choked != want[i] {
			got := make([]bool, len(conns))
			for j, x := range conns {
				got[j] = x.u.choked
			}
			t.Fatalf("choke states = %v, want %v", got, want)
		}
	}
}

func TestSchedulesItself(t *testing.T) {
	s := &dummyScheduler{}
	newTestChoker(2, s)

	if len(s.tasks) != 1 || s.delays[0] != 10*time.Second {
		t.Fatalf("initial schedule = %v", s.delays)
	}
	s.tick()
	if len(s.tasks) != 1 {
		t.Fatal("round robin must reschedule itself")
	}
}

func TestResort(t *testing.T) {
	s := &dummyScheduler{}
	ch := newTestChoker(1, s)
	c1 := newConn(0)
	c2 := newConn(1)
	c3 := newConn(2)
	c4 := newConn(3)
	c2.u.interested = true
	c3.u.interested = true

	ch.ConnectionMade(c1)
	assertChoked(t, []*dummyConn{c1}, []bool{false})
	ch.ConnectionMadeAt(c2, 1)
	assertChoked(t, []*dummyConn{c1, c2}, []bool{false, false})
	ch.ConnectionMadeAt(c3, 1)
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, false})

	c2.rate = 2
	c3.rate = 1
	ch.ConnectionMadeAt(c4, 1)
	assertChoked(t, []*dummyConn{c1, c2, c3, c4}, []bool{false, true, false, false})

	ch.ConnectionLost(c4)
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, false})

	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, false})
}

func TestInterest(t *testing.T) {
	s := &dummyScheduler{}
	ch := newTestChoker(1, s)
	c1 := newConn(0)
	c2 := newConn(1)
	c3 := newConn(2)
	c2.u.interested = true
	c3.u.interested = true

	ch.ConnectionMade(c1)
	ch.ConnectionMadeAt(c2, 1)
	ch.ConnectionMadeAt(c3, 1)
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, false})

	c3.u.interested = false
	ch.NotInterested(c3)
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, false, false})

	c3.u.interested = true
	ch.Interested(c3)
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, false})

	ch.ConnectionLost(c3)
	assertChoked(t, []*dummyConn{c1, c2}, []bool{false, false})
}

// Scenario: the 30-second rotation skips a not-interested peer and lands the
// optimistic slot on the next interested one.
func TestSkipNotInterested(t *testing.T) {
	s := &dummyScheduler{}
	ch := newTestChoker(1, s)
	c1 := newConn(0)
	c2 := newConn(1)
	c3 := newConn(2)
	c1.u.interested = true
	c3.u.interested = true

	ch.ConnectionMade(c2)
	ch.ConnectionMadeAt(c1, 0)
	ch.ConnectionMadeAt(c3, 2)
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, true})

	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, true})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, true})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{true, true, false})
}

// Scenario: with one upload slot and two interested peers the slot rotates
// every third tick: c1 three ticks, then c2 three ticks, then back.
func TestRoundRobin(t *testing.T) {
	s := &dummyScheduler{}
	ch := newTestChoker(1, s)
	c1 := newConn(0)
	c2 := newConn(1)
	c1.u.interested = true
	c2.u.interested = true

	ch.ConnectionMade(c1)
	ch.ConnectionMadeAt(c2, 1)
	assertChoked(t, []*dummyConn{c1, c2}, []bool{false, true})

	want := [][]bool{
		{false, true},
		{false, true},
		{true, false},
		{true, false},
		{true, false},
		{false, true},
	}
	for _, w := range want {
		s.tick()
		assertChoked(t, []*dummyConn{c1, c2}, w)
	}
}

func TestConnectionLostNoInterrupt(t *testing.T) {
	s := &dummyScheduler{}
	ch := newTestChoker(1, s)
	c1 := newConn(0)
	c2 := newConn(1)
	c3 := newConn(2)
	c1.u.interested = true
	c2.u.interested = true
	c3.u.interested = true

	ch.ConnectionMade(c1)
	ch.ConnectionMadeAt(c2, 1)
	ch.ConnectionMadeAt(c3, 2)

	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, true})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, true})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{true, false, true})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{true, false, true})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{true, false, true})

	ch.ConnectionLost(c3)
	assertChoked(t, []*dummyConn{c1, c2}, []bool{true, false})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2}, []bool{false, true})
	ch.ConnectionLost(c2)
	assertChoked(t, []*dummyConn{c1}, []bool{false})
}

func TestConnectionMadeNoInterrupt(t *testing.T) {
	s := &dummyScheduler{}
	ch := newTestChoker(1, s)
	c1 := newConn(0)
	c2 := newConn(1)
	c3 := newConn(2)
	c1.u.interested = true
	c2.u.interested = true
	c3.u.interested = true

	ch.ConnectionMade(c1)
	ch.ConnectionMadeAt(c2, 1)
	assertChoked(t, []*dummyConn{c1, c2}, []bool{false, true})

	s.tick()
	assertChoked(t, []*dummyConn{c1, c2}, []bool{false, true})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2}, []bool{false, true})

	ch.ConnectionMadeAt(c3, 1)
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{false, true, true})
	s.tick()
	assertChoked(t, []*dummyConn{c1, c2, c3}, []bool{true, true, false})
}

// Scenario: four slots, snubbed peers excluded from preference, the
// optimistic slot landing beyond the rate cut.
func TestMultiSlot(t *testing.T) {
	s := &dummyScheduler{}
	ch := newTestChoker(4, s)

	rates := []float64{0, 0, 0, 8, 0, 0, 6, 0, 9, 7, 10}
	conns := make([]*dummyConn, len(rates))
	for i, r := range rates {
		conns[i] = newConn(r)
		ch.ConnectionMadeAt(conns[i], i)
	}

	for _, i := range []int{1, 3, 5, 7, 9} {
		conns[i].u.interested = true
	}
	for _, i := range []int{1, 5, 7} {
		conns[i].snubbed = true
	}

	s.tick()
	assertChoked(t, conns, []bool{
		false, false, false, false, false, false,
		true, true, true, false, true,
	})
}
