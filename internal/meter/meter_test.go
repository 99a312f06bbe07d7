package meter

import (
	"math"
	"testing"
	"time"
)

// fakeClock advances only when told to.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_000_000, 0)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMeasureSteadyRate(t *testing.T) {
	clock := newFakeClock()
	m := NewMeasureWithClock(20*time.Second, clock.now)

	// 1000 bytes/sec for 10 seconds.
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		m.Update(1000)
	}

	rate := m.RateNoUpdate()
	if rate < 900 || rate > 1100 {
		t.Fatalf("rate = %f, want ~1000", rate)
	}
	if m.Total() != 10000 {
		t.Fatalf("Total() = %d, want 10000", m.Total())
	}
}

func TestMeasureDecaysWhenIdle(t *testing.T) {
	clock := newFakeClock()
	m := NewMeasureWithClock(20*time.Second, clock.now)

	clock.advance(time.Second)
	m.Update(10000)
	peak := m.RateNoUpdate()

	clock.advance(30 * time.Second)
	if got := m.Rate(); got >= peak/2 {
		t.Fatalf("rate after idle = %f, want well below %f", got, peak)
	}
}

func TestMeasureWindowClamp(t *testing.T) {
	clock := newFakeClock()
	m := NewMeasureWithClock(5*time.Second, clock.now)

	for i := 0; i < 100; i++ {
		clock.advance(time.Second)
		m.Update(500)
	}

	// With the window clamped to 5s the estimate must still track the
	// instantaneous rate, not the lifetime average.
	rate := m.RateNoUpdate()
	if math.Abs(rate-500) > 100 {
		t.Fatalf("rate = %f, want ~500", rate)
	}
}

func TestTimeUntil(t *testing.T) {
	clock := newFakeClock()
	m := NewMeasureWithClock(20*time.Second, clock.now)

	clock.advance(time.Second)
	m.Update(4000)

	if d := m.TimeUntil(1e9); d != 0 {
		t.Fatalf("TimeUntil above current rate = %v, want 0", d)
	}

	target := m.RateNoUpdate() / 2
	d := m.TimeUntil(target)
	if d <= 0 {
		t.Fatalf("TimeUntil below current rate = %v, want > 0", d)
	}

	// Rate decays to the target after exactly the returned silence.
	clock.advance(d)
	if got := m.Rate(); got > target*1.05 {
		t.Fatalf("rate after TimeUntil wait = %f, want <= %f", got, target)
	}
}

func TestETABasics(t *testing.T) {
	clock := newFakeClock()
	e := NewETAWithClock(10000, clock.now)

	if _, ok := e.TimeLeft(); ok {
		t.Fatal("TimeLeft before any data should be !ok")
	}

	e.DataCameIn(1000)
	for i := 0; i < 4; i++ {
		clock.advance(time.Second)
		e.DataCameIn(1000)
	}

	if e.BytesLeft() != 5000 {
		t.Fatalf("BytesLeft() = %d, want 5000", e.BytesLeft())
	}

	d, ok := e.TimeLeft()
	if !ok || d <= 0 {
		t.Fatalf("TimeLeft() = %v, %v; want positive estimate", d, ok)
	}
}

func TestETADataRejected(t *testing.T) {
	clock := newFakeClock()
	e := NewETAWithClock(1000, clock.now)

	e.DataCameIn(400)
	e.DataRejected(400)

	if e.BytesLeft() != 1000 {
		t.Fatalf("BytesLeft() = %d, want 1000 after rejection", e.BytesLeft())
	}
}
