package tracker

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	bencode "github.com/jackpal/bencode-go"

	"github.com/prxssh/warren/pkg/retry"
)

// Event is the announce lifecycle marker.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Opts wires the announcer to the engine and the reactor. Schedule must run
// tasks on the reactor thread; ExternalSchedule must be safe from the HTTP
// worker goroutine.
type Opts struct {
	URL      string
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
	Port     int
	IP       string

	Interval time.Duration
	Timeout  time.Duration
	MinPeers int
	MaxPeers int

	HowMany         func() int
	Connect         func(addr netip.AddrPort, peerID []byte)
	AmountLeft      func() int64
	Up              func() int64
	Down            func() int64
	UpRate          func() float64
	DownRate        func() float64
	Done            func() bool
	EverGotIncoming func() bool

	Schedule         func(task func(), delay time.Duration)
	ExternalSchedule func(task func(), delay time.Duration)
	ErrorFunc        func(msg string)

	Client *resty.Client
	Log    *slog.Logger
}

// Announcer periodically reports progress to the tracker and feeds fresh
// peers to the engine. The HTTP round-trip runs on a worker goroutine; a
// single-shot latch resolves the race between the response and the timeout
// so exactly one of them acts, and results re-enter the core through the
// reactor's external queue.
type Announcer struct {
	opts             Opts
	client           *resty.Client
	key              string
	interval         time.Duration
	announceInterval time.Duration
	trackerID        string
	last             string
	lastFailed       bool
	lastTime         time.Time
	log              *slog.Logger
}

func New(opts Opts) *Announcer {
	client := opts.Client
	if client == nil {
		client = resty.New().SetTimeout(opts.Timeout)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	var keyBytes [4]byte
	_, _ = rand.Read(keyBytes[:])

	return &Announcer{
		opts:             opts,
		client:           client,
		key:              hex.EncodeToString(keyBytes[:]),
		interval:         opts.Interval,
		announceInterval: 30 * time.Minute,
		lastFailed:       true,
		log:              log.With("component", "tracker"),
	}
}

// Begin starts the periodic cadence and fires the initial "started"
// announce.
func (a *Announcer) Begin() {
	a.opts.Schedule(a.check, a.interval)
	a.Announce(EventStarted)
}

// check decides whether the peer population warrants an early announce. A
// client that never got an incoming connection assumes it is unreachable and
// hunts for peers more aggressively.
func (a *Announcer) check() {
	a.opts.Schedule(a.check, a.interval)

	var getmore bool
	if a.opts.EverGotIncoming() {
		getmore = a.opts.HowMany() <= a.opts.MinPeers/3
	} else {
		getmore = a.opts.HowMany() < a.opts.MinPeers
	}

	if getmore || time.Since(a.lastTime) > a.announceInterval {
		a.Announce(EventNone)
	}
}

// Announce launches one tracker round-trip.
func (a *Announcer) Announce(event Event) {
	a.lastTime = time.Now()

	params := map[string]string{
		"info_hash":  string(a.opts.InfoHash[:]),
		"peer_id":    string(a.opts.PeerID[:]),
		"port":       strconv.Itoa(a.opts.Port),
		"key":        a.key,
		"uploaded":   strconv.FormatInt(a.opts.Up(), 10),
		"downloaded": strconv.FormatInt(a.opts.Down(), 10),
		"left":       strconv.FormatInt(a.opts.AmountLeft(), 10),
	}
	if a.last != "" {
		params["last"] = a.last
	}
	if a.trackerID != "" {
		params["trackerid"] = a.trackerID
	}
	if a.opts.HowMany() >= a.opts.MaxPeers {
		params["numwant"] = "0"
	} else {
		params["compact"] = "1"
	}
	if event != EventNone {
		params["event"] = event.String()
	}
	if a.opts.IP != "" {
		params["ip"] = a.opts.IP
	}

	latch := newSetOnce()
	a.opts.Schedule(func() { a.checkFail(latch) }, a.opts.Timeout)
	go a.request(params, latch)
}

// checkFail is the timeout half of the latch. Errors are only surfaced on a
// sustained failure streak, and only while transfer rates suggest the
// tracker actually matters.
func (a *Announcer) checkFail(latch *setOnce) {
	if !latch.Set() {
		return
	}

	if a.lastFailed && a.opts.UpRate() < 100 && a.opts.DownRate() < 100 {
		a.opts.ErrorFunc("Problem connecting to tracker - timeout exceeded")
	}
	a.lastFailed = true
}

// request runs on a worker goroutine: the one place outside the reactor
// thread where the engine does I/O.
func (a *Announcer) request(params map[string]string, latch *setOnce) {
	var body []byte

	err := retry.Do(context.Background(), func(ctx context.Context) error {
		resp, err := a.client.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(a.opts.URL)
		if err != nil {
			return err
		}
		if resp.StatusCode() != 200 {
			return fmt.Errorf("tracker: status %d", resp.StatusCode())
		}
		body = resp.Body()
		return nil
	}, retry.WithMaxAttempts(2), retry.WithInitialDelay(time.Second))

	if err != nil {
		if latch.Set() {
			a.opts.ExternalSchedule(func() {
				if a.lastFailed {
					a.opts.ErrorFunc("Problem connecting to tracker - " + err.Error())
				}
				a.lastFailed = true
			}, 0)
		}
		return
	}

	if latch.Set() {
		a.opts.ExternalSchedule(func() {
			a.lastFailed = false
			a.postRequest(body)
		}, 0)
	}
}

// postRequest digests a tracker response on the reactor thread.
func (a *Announcer) postRequest(data []byte) {
	raw, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		if len(data) != 0 {
			a.opts.ErrorFunc("bad data from tracker - " + err.Error())
		}
		return
	}
	r, ok := raw.(map[string]any)
	if !ok {
		a.opts.ErrorFunc("bad data from tracker - not a dictionary")
		return
	}

	if reason, ok := r["failure reason"].(string); ok {
		a.opts.ErrorFunc("rejected by tracker - " + reason)
		return
	}
	if warning, ok := r["warning message"].(string); ok {
		a.opts.ErrorFunc("warning from tracker - " + warning)
	}

	if interval, ok := r["interval"].(int64); ok {
		a.announceInterval = time.Duration(interval) * time.Second
	}
	if minInterval, ok := r["min interval"].(int64); ok {
		a.interval = time.Duration(minInterval) * time.Second
	}
	if trackerID, ok := r["tracker id"].(string); ok {
		a.trackerID = trackerID
	}
	a.last = ""
	if last, ok := r["last"].(int64); ok {
		a.last = strconv.FormatInt(last, 10)
	}

	peers, err := parsePeers(r["peers"])
	if err != nil {
		a.opts.ErrorFunc("bad data from tracker - " + err.Error())
		return
	}

	// If the swarm is much bigger than what we see, forget `last` so the
	// next announce samples the full swarm again.
	ps := len(peers) + a.opts.HowMany()
	if ps < a.opts.MaxPeers {
		if a.opts.Done() {
			numPeers := intOr(r, "num peers", 1000)
			donePeers := intOr(r, "done peers", 0)
			if numPeers-donePeers > ps*6/5 {
				a.last = ""
			}
		} else if intOr(r, "num peers", 1000) > ps*6/5 {
			a.last = ""
		}
	}

	for _, p := range peers {
		a.opts.Connect(p.addr, p.id)
	}
}

type peerEntry struct {
	addr netip.AddrPort
	id   []byte
}

// parsePeers accepts both the compact 6-byte-per-peer string and the
// dictionary list form.
func parsePeers(raw any) ([]peerEntry, error) {
	switch v := raw.(type) {
	case string:
		if len(v)%6 != 0 {
			return nil, fmt.Errorf("compact peers length %d", len(v))
		}
		peers := make([]peerEntry, 0, len(v)/6)
		for i := 0; i < len(v); i += 6 {
			var ip [4]byte
			copy(ip[:], v[i:i+4])
			port := binary.BigEndian.Uint16([]byte(v[i+4 : i+6]))
			peers = append(peers, peerEntry{
				addr: netip.AddrPortFrom(netip.AddrFrom4(ip), port),
			})
		}
		return peers, nil

	case []any:
		peers := make([]peerEntry, 0, len(v))
		for _, e := range v {
			d, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("peer entry is not a dictionary")
			}
			ipStr, _ := d["ip"].(string)
			port, _ := d["port"].(int64)
			addr, err := netip.ParseAddr(ipStr)
			if err != nil {
				return nil, fmt.Errorf("peer ip %q: %w", ipStr, err)
			}
			var id []byte
			if s, ok := d["peer id"].(string); ok {
				id = []byte(s)
			}
			peers = append(peers, peerEntry{
				addr: netip.AddrPortFrom(addr, uint16(port)),
				id:   id,
			})
		}
		return peers, nil

	case nil:
		return nil, fmt.Errorf("no peers key")

	default:
		return nil, fmt.Errorf("unrecognized peers type %T", raw)
	}
}

func intOr(r map[string]any, key string, fallback int) int {
	if v, ok := r[key].(int64); ok {
		return int(v)
	}
	return fallback
}

// setOnce resolves the race between the tracker response and its timeout:
// the first Set wins, the loser becomes a no-op.
type setOnce struct {
	mu    sync.Mutex
	first bool
}

func newSetOnce() *setOnce {
	return &setOnce{first: true}
}

// Set reports true on the first call only.
func (s *setOnce) Set() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.first
	s.first = false
	return r
}
