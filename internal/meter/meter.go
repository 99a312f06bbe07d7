package meter

import "time"

// Measure estimates a byte rate over an exponentially decaying window. The
// estimate integrates all bytes reported inside the window and fades older
// traffic out as the window slides.
//
// The update rule, on amount bytes at time t:
//
//	rate = (rate*(last-ratesince) + amount) / (t - ratesince)
//	last = t
//	ratesince = max(ratesince, t-window)
//
// The meter is seeded with ratesince slightly in the past so t == ratesince
// can never divide by zero.
type Measure struct {
	window    float64
	ratesince float64
	last      float64
	rate      float64
	total     int64
	now       func() time.Time
}

const seedFudge = 1.0 // seconds

func NewMeasure(window time.Duration) *Measure {
	return NewMeasureWithClock(window, time.Now)
}

// NewMeasureWithClock is the test hook; now must be monotonic.
func NewMeasureWithClock(window time.Duration, now func() time.Time) *Measure {
	t := seconds(now())
	return &Measure{
		window:    window.Seconds(),
		ratesince: t - seedFudge,
		last:      t - seedFudge,
		now:       now,
	}
}

// Update folds amount bytes observed now into the estimate.
func (m *Measure) Update(amount int) {
	m.total += int64(amount)
	t := seconds(m.now())

	m.rate = (m.rate*(m.last-m.ratesince) + float64(amount)) / (t - m.ratesince)
	m.last = t
	if m.ratesince < t-m.window {
		m.ratesince = t - m.window
	}
}

// Rate returns the current estimate in bytes/second, decayed to now.
func (m *Measure) Rate() float64 {
	m.Update(0)
	return m.rate
}

// RateNoUpdate returns the estimate as of the last Update.
func (m *Measure) RateNoUpdate() float64 { return m.rate }

// Total returns all bytes ever reported.
func (m *Measure) Total() int64 { return m.total }

// TimeUntil returns how long the meter must stay silent before the estimate
// decays to newrate. Zero if it is already at or below it.
func (m *Measure) TimeUntil(newrate float64) time.Duration {
	if m.rate <= newrate {
		return 0
	}

	t := seconds(m.now()) - m.ratesince
	return duration((m.rate*t)/newrate - t)
}

// ETA estimates the time remaining until `left` bytes have arrived, with the
// same decaying-window arithmetic as Measure. It additionally widens its
// window once a transfer has stalled so the estimate goes pessimistic rather
// than frozen.
type ETA struct {
	start       float64
	last        float64
	rate        float64
	remaining   float64
	haveETA     bool
	left        int64
	broke       bool
	gotAnything bool
	now         func() time.Time
}

func NewETA(left int64) *ETA {
	return NewETAWithClock(left, time.Now)
}

func NewETAWithClock(left int64, now func() time.Time) *ETA {
	return &ETA{left: left, now: now}
}

// DataCameIn reports amount freshly downloaded bytes.
func (e *ETA) DataCameIn(amount int) {
	if !e.gotAnything {
		e.gotAnything = true
		e.start = seconds(e.now()) - 2
		e.last = e.start
		e.left -= int64(amount)
		return
	}

	e.update(seconds(e.now()), amount)
}

// DataRejected re-adds bytes that failed a hash check.
func (e *ETA) DataRejected(amount int) {
	e.left += int64(amount)
}

// TimeLeft returns the estimated remaining duration; ok is false until
// enough data has arrived to estimate (or while the rate is zero).
func (e *ETA) TimeLeft() (time.Duration, bool) {
	if !e.gotAnything {
		return 0, false
	}

	t := seconds(e.now())
	if t-e.last > 15 {
		e.update(t, 0)
	}
	if !e.haveETA {
		return 0, false
	}
	return duration(e.remaining), true
}

// BytesLeft returns how many bytes remain.
func (e *ETA) BytesLeft() int64 { return e.left }

func (e *ETA) update(t float64, amount int) {
	e.left -= int64(amount)

	if t > e.start {
		e.rate = (e.rate*(e.last-e.start) + float64(amount)) / (t - e.start)
		e.last = t
		if e.rate > 0 {
			e.remaining = float64(e.left) / e.rate
			e.haveETA = true
			if e.start < e.last-e.remaining {
				e.start = e.last - e.remaining
			}
		} else {
			e.haveETA = false
		}
	} else {
		e.haveETA = false
	}

	if e.broke && e.last-e.start < 20 {
		e.start = e.last - 20
	}
	if e.last-e.start > 20 {
		e.broke = true
	}
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func duration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
