package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"essync/api"
	"essync/config"
	"essync/ingest"
	srtingest "essync/ingest/srt"
	"essync/media"
	"essync/metrics"
	"essync/player"
	"essync/syncbuf"
)

var version = "dev"

func main() {
	_ = config.Load()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := appConfig{
		srtAddr:      config.GetEnv("SRT_ADDR", ":6000"),
		apiAddr:      config.GetEnv("API_ADDR", ":8080"),
		inputFile:    config.GetEnv("INPUT", ""),
		streams:      config.GetEnv("STREAMS", "audio,video"),
		audioOut:     config.GetEnv("AUDIO_OUT", ""),
		videoOut:     config.GetEnv("VIDEO_OUT", ""),
		segDur:       config.GetEnvDuration("SEGMENT_DURATION", 4*time.Second),
		tickInterval: config.GetEnvDuration("TICK_INTERVAL", player.DefaultTickInterval),
		window:       config.GetEnvDuration("ADMISSION_WINDOW", syncbuf.DefaultAdmissionWindow),
	}

	slog.Info("essync starting",
		"version", version,
		"srt", cfg.srtAddr,
		"api", cfg.apiAddr,
		"input", cfg.inputFile,
		"streams", cfg.streams,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	a := &app{
		cfg:     cfg,
		metrics: metrics.New(),
	}

	g, ctx := errgroup.WithContext(ctx)

	apiSrv := api.NewServer(cfg.apiAddr, a.snapshot, a.metrics.Handler(), nil)
	g.Go(func() error {
		return apiSrv.Start(ctx)
	})

	if cfg.inputFile != "" {
		g.Go(func() error {
			defer cancel() // file playback ends the process
			return a.playFile(ctx, cfg.inputFile)
		})
	} else {
		srtSrv := srtingest.NewServer(cfg.srtAddr, func(src *ingest.Source) {
			a.playSource(ctx, src)
		}, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type appConfig struct {
	srtAddr      string
	apiAddr      string
	inputFile    string
	streams      string
	audioOut     string
	videoOut     string
	segDur       time.Duration
	tickInterval time.Duration
	window       time.Duration
}

type app struct {
	cfg     appConfig
	metrics *metrics.Metrics

	mu   sync.Mutex
	mgr  *syncbuf.Manager
	sess *player.Session
	src  *ingest.Source
}

// playFile streams a local MPEG-TS file through an ingest source so file
// and SRT playback share one path.
func (a *app) playFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	src := ingest.NewSource(path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.playSource(ctx, src)
	}()
	if err := src.Feed(ctx, f); err != nil && ctx.Err() == nil {
		return err
	}
	<-done
	return nil
}

// playSource runs one playback session over an ingest source.
func (a *app) playSource(ctx context.Context, src *ingest.Source) {
	log := slog.With("stream", src.Name)
	log.Info("starting playback session")

	mgr := syncbuf.NewManager(log,
		syncbuf.WithAdmissionWindow(a.cfg.window),
		syncbuf.WithMetrics(a.metrics),
	)
	sess := player.NewSession(src.Name, src.Reader(), mgr, log,
		player.WithTickInterval(a.cfg.tickInterval))

	if err := a.configureSinks(sess, log); err != nil {
		log.Error("sink configuration failed", "error", err)
		src.Close()
		return
	}

	a.mu.Lock()
	if a.sess != nil {
		a.mu.Unlock()
		log.Warn("rejecting publish, session already active")
		src.Close()
		return
	}
	a.mgr, a.sess, a.src = mgr, sess, src
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.mgr, a.sess, a.src = nil, nil, nil
		a.mu.Unlock()
	}()

	if err := sess.Run(ctx); err != nil {
		log.Error("session error", "error", err)
		return
	}
	log.Info("session ended")
}

func (a *app) configureSinks(sess *player.Session, log *slog.Logger) error {
	for _, name := range strings.Split(a.cfg.streams, ",") {
		switch strings.TrimSpace(name) {
		case "audio":
			w, err := openOut(a.cfg.audioOut)
			if err != nil {
				return err
			}
			sink := player.NewWriterSink(media.Audio, w, a.cfg.segDur, log)
			if err := sess.ConfigureStream(media.Audio, sink); err != nil {
				return err
			}
		case "video":
			w, err := openOut(a.cfg.videoOut)
			if err != nil {
				return err
			}
			sink := player.NewWriterSink(media.Video, w, a.cfg.segDur, log)
			if err := sess.ConfigureStream(media.Video, sink); err != nil {
				return err
			}
		}
	}
	return nil
}

func openOut(path string) (io.Writer, error) {
	if path == "" {
		return io.Discard, nil
	}
	return os.Create(path)
}

func (a *app) snapshot() api.Snapshot {
	a.mu.Lock()
	mgr, sess, src := a.mgr, a.sess, a.src
	a.mu.Unlock()

	if mgr == nil {
		return api.Snapshot{}
	}
	snap := api.Snapshot{
		Active:     true,
		Engine:     mgr.Stats(),
		PlaybackMs: sess.PlaybackTime().Milliseconds(),
	}
	if src != nil {
		stats := src.Stats()
		snap.Ingest = &stats
	}
	return snap
}
