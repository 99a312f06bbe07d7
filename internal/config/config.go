package config

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// DownloadDir is where torrent payload files are created.
	DownloadDir string

	// ClientID is the unique identifier for our client.
	ClientID [sha1.Size]byte

	// Port is the TCP port this client listens on for incoming peer
	// connections.
	Port int

	// MaxPeers is the maximum number of concurrent peer connections the
	// reactor accepts; further incoming sockets are closed immediately.
	MaxPeers int

	// MinPeers is the population below which the announcer asks the
	// tracker for more peers ahead of schedule.
	MinPeers int

	// MaxUploads is the number of peers allowed to download from us at
	// once; MinUploads is the floor of interested unchoked slots.
	MaxUploads int
	MinUploads int

	// MaxUploadRate limits aggregate upload speed in bytes/second.
	// 0 = unlimited.
	MaxUploadRate float64

	// RequestSize is the block size used when requesting piece data.
	RequestSize int

	// MaxSliceLength is the largest block a peer may request from us; a
	// bigger REQUEST closes the connection.
	MaxSliceLength int

	// Backlog is the maximum outstanding block requests per peer.
	Backlog int

	// MaxRatePeriod is the window of the exponential rate estimators.
	MaxRatePeriod time.Duration

	// SnubTime is how long a peer may go silent before it is considered
	// to be snubbing us.
	SnubTime time.Duration

	// RechokeInterval is the choker tick cadence.
	RechokeInterval time.Duration

	// SocketTimeout is the idle cutoff for peer sockets;
	// TimeoutCheckInterval is how often the reactor scans for it.
	SocketTimeout        time.Duration
	TimeoutCheckInterval time.Duration

	// RerequestInterval is the baseline cadence of tracker announces and
	// TrackerTimeout bounds a single announce round-trip.
	RerequestInterval time.Duration
	TrackerTimeout    time.Duration

	// CheckHashes controls whether the resume scan verifies preallocated
	// segments; disabling it defers verification to first serve.
	CheckHashes bool

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

var cfg atomic.Pointer[Config]

func init() {
	_ = godotenv.Load()

	c := defaultConfig()
	applyEnv(&c)
	cfg.Store(&c)
}

// Load returns the current config (treat as read-only).
func Load() *Config {
	return cfg.Load()
}

// Update applies a mutation on a copy and swaps it atomically.
func Update(mut func(*Config)) *Config {
	next := *Load()
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with the provided value.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}

func defaultConfig() Config {
	return Config{
		DownloadDir:          getDefaultDownloadDir(),
		ClientID:             generateClientID(),
		Port:                 6881,
		MaxPeers:             55,
		MinPeers:             20,
		MaxUploads:           4,
		MinUploads:           4,
		MaxUploadRate:        0,
		RequestSize:          1 << 14,
		MaxSliceLength:       1 << 17,
		Backlog:              5,
		MaxRatePeriod:        20 * time.Second,
		SnubTime:             30 * time.Second,
		RechokeInterval:      10 * time.Second,
		SocketTimeout:        300 * time.Second,
		TimeoutCheckInterval: 60 * time.Second,
		RerequestInterval:    5 * time.Minute,
		TrackerTimeout:       45 * time.Second,
		CheckHashes:          true,
		LogLevel:             "info",
	}
}

func applyEnv(c *Config) {
	if v := os.Getenv("WARREN_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v, ok := envInt("WARREN_PORT"); ok {
		c.Port = v
	}
	if v, ok := envInt("WARREN_MAX_PEERS"); ok {
		c.MaxPeers = v
	}
	if v, ok := envInt("WARREN_MAX_UPLOADS"); ok {
		c.MaxUploads = v
		c.MinUploads = v
	}
	if v := os.Getenv("WARREN_MAX_UPLOAD_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MaxUploadRate = f
		}
	}
	if v, ok := envInt("WARREN_BACKLOG"); ok {
		c.Backlog = v
	}
	if v := os.Getenv("WARREN_CHECK_HASHES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.CheckHashes = b
		}
	}
	if v := os.Getenv("WARREN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch goruntime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "warren")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "warren", "downloads")
	}
}

func generateClientID() [sha1.Size]byte {
	var peerID [sha1.Size]byte

	prefix := []byte("-WR0001-")
	copy(peerID[:], prefix)
	_, _ = rand.Read(peerID[len(prefix):])

	return peerID
}
