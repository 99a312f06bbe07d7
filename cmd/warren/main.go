package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/prxssh/warren/internal/choker"
	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/engine"
	"github.com/prxssh/warren/internal/fileio"
	"github.com/prxssh/warren/internal/meta"
	"github.com/prxssh/warren/internal/meter"
	"github.com/prxssh/warren/internal/peer"
	"github.com/prxssh/warren/internal/picker"
	"github.com/prxssh/warren/internal/reactor"
	"github.com/prxssh/warren/internal/store"
	"github.com/prxssh/warren/internal/tracker"
	"github.com/prxssh/warren/pkg/logging"
)

const version = "0.1.0"

// The payload length cap for incoming frames: type byte + piece header +
// the largest slice we would ever accept.
const maxFramePayload = 1 + 8 + (1 << 17)

var cli struct {
	Download struct {
		Torrent string `arg:"" help:"Torrent file to download." type:"existingfile"`
		Dir     string `help:"Download directory override." type:"path"`
	} `cmd:"" help:"Download (and then seed) a torrent."`

	Version struct{} `cmd:"" help:"Print the version."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("warren"),
		kong.Description("A BitTorrent peer engine."))

	switch kctx.Command() {
	case "download <torrent>":
		if err := runDownload(); err != nil {
			color.Red("error: %v", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("warren v" + version)
	}
}

func runDownload() error {
	cfg := config.Load()
	if cli.Download.Dir != "" {
		cfg = config.Update(func(c *config.Config) {
			c.DownloadDir = cli.Download.Dir
		})
	}

	log := slog.New(logging.NewPrettyHandler(os.Stderr, &logging.PrettyHandlerOptions{
		Level:    parseLevel(cfg.LogLevel),
		UseColor: true,
	}))
	slog.SetDefault(log)

	m, err := meta.Load(cli.Download.Torrent)
	if err != nil {
		return err
	}
	log.Info("loaded torrent",
		"name", m.Info.Name,
		"pieces", m.NumPieces(),
		"size", m.TotalLength())

	done := &atomic.Bool{}
	r := reactor.New(done, &reactor.Opts{
		TimeoutCheckInterval: cfg.TimeoutCheckInterval,
		Timeout:              cfg.SocketTimeout,
		MaxConnects:          cfg.MaxPeers,
		ErrorFunc:            func(msg string) { log.Error(msg) },
		Log:                  log,
	})

	backend, err := fileio.New(m.FileEntries(cfg.DownloadDir), fileio.OSFS{})
	if err != nil {
		return err
	}
	defer backend.Close()

	eta := meter.NewETA(m.TotalLength())
	seeding := false

	st, err := store.New(
		backend, cfg.RequestSize, m.Info.Pieces, m.Info.PieceLength,
		cfg.CheckHashes,
		store.Hooks{
			Finished: func() {
				seeding = true
				color.Green("download complete, seeding")
			},
			Failed: func(err error) {
				log.Error("torrent failed", "error", err.Error())
				done.Store(true)
			},
			DataFlunked: func(length int) {
				eta.DataRejected(length)
				log.Warn("piece failed hash check", "bytes", length)
			},
		},
		log,
	)
	if err != nil {
		return err
	}

	pk := picker.New(m.NumPieces())
	for i := 0; i < m.NumPieces(); i++ {
		if st.HasPiece(i) {
			pk.Complete(i)
		}
	}

	downMeasure := meter.NewMeasure(cfg.MaxRatePeriod)
	dl := peer.NewDownloader(st, pk, downMeasure, &peer.DownloaderOpts{
		Backlog:       cfg.Backlog,
		MaxRatePeriod: cfg.MaxRatePeriod,
		SnubTime:      cfg.SnubTime,
		NumPieces:     m.NumPieces(),
		MeasureFunc:   eta.DataCameIn,
		Log:           log,
	})

	chk := choker.New(
		cfg.MaxUploads, cfg.MinUploads, cfg.RechokeInterval,
		r.AddTask, pk.AmIComplete)

	eng := engine.New(dl, chk, st, &engine.Opts{
		NumPieces:      m.NumPieces(),
		MaxSliceLength: cfg.MaxSliceLength,
		MaxRatePeriod:  cfg.MaxRatePeriod,
		MaxUploadRate:  cfg.MaxUploadRate,
		Schedule:       r.AddTask,
		Log:            log,
	})
	hub := engine.NewHub(eng, maxFramePayload)

	var gotIncoming atomic.Bool
	handler := &incomingTracker{Hub: hub, gotIncoming: &gotIncoming}

	if err := r.Bind(cfg.Port); err != nil {
		return err
	}

	announcer := tracker.New(tracker.Opts{
		URL:      m.Announce,
		InfoHash: m.InfoHash,
		PeerID:   cfg.ClientID,
		Port:     cfg.Port,
		Interval: cfg.RerequestInterval,
		Timeout:  cfg.TrackerTimeout,
		MinPeers: cfg.MinPeers,
		MaxPeers: cfg.MaxPeers,
		HowMany:  eng.HowManyConnections,
		Connect: func(addr netip.AddrPort, _ []byte) {
			if eng.HowManyConnections() >= cfg.MaxPeers {
				return
			}
			s, err := r.StartConnection(addr)
			if err != nil {
				log.Debug("connect failed", "addr", addr, "error", err.Error())
				return
			}
			hub.Register(s)
		},
		AmountLeft:       st.AmountLeft,
		Up:               eng.UploadTotal,
		Down:             downMeasure.Total,
		UpRate:           eng.UploadRate,
		DownRate:         downMeasure.Rate,
		Done:             pk.AmIComplete,
		EverGotIncoming:  gotIncoming.Load,
		Schedule:         r.AddTask,
		ExternalSchedule: r.AddExternalTask,
		ErrorFunc:        func(msg string) { log.Warn(msg) },
		Log:              log,
	})
	announcer.Begin()

	var printStatus func()
	printStatus = func() {
		r.AddTask(printStatus, 10*time.Second)
		if seeding {
			color.Cyan("seeding | up %.1f KB/s | peers %d",
				eng.UploadRate()/1024, eng.HowManyConnections())
			return
		}

		left := eta.BytesLeft()
		msg := fmt.Sprintf("down %.1f KB/s | up %.1f KB/s | left %d | peers %d",
			downMeasure.Rate()/1024, eng.UploadRate()/1024,
			left, eng.HowManyConnections())
		if remaining, ok := eta.TimeLeft(); ok {
			msg += fmt.Sprintf(" | eta %s", remaining.Round(time.Second))
		}
		color.Cyan("%s", msg)
	}
	r.AddTask(printStatus, 10*time.Second)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.ListenForever(handler)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// The stopped announce must run on the reactor thread; give it
		// one tick before tearing the loop down.
		r.AddExternalTask(func() {
			announcer.Announce(tracker.EventStopped)
		}, 0)
		time.Sleep(250 * time.Millisecond)
		done.Store(true)
		return nil
	})

	return g.Wait()
}

// incomingTracker remembers whether any peer ever connected to us; the
// announcer uses it to tell NAT'd clients from reachable ones.
type incomingTracker struct {
	*engine.Hub
	gotIncoming *atomic.Bool
}

func (h *incomingTracker) ExternalConnectionMade(s *reactor.Socket) {
	h.gotIncoming.Store(true)
	h.Hub.ExternalConnectionMade(s)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
