package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vidclock/internal/api"
	"github.com/zsiec/vidclock/internal/config"
	"github.com/zsiec/vidclock/internal/ingest"
	srtingest "github.com/zsiec/vidclock/internal/ingest/srt"
	"github.com/zsiec/vidclock/internal/stream"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("vidclock starting",
		"version", version,
		"api", cfg.APIAddr,
		"srt", cfg.SRTAddr,
		"streams", len(cfg.Streams),
		"output", cfg.OutputDir,
	)

	g, ctx := errgroup.WithContext(ctx)

	a := &app{
		cfg:  cfg,
		mgr:  stream.NewManager(nil),
		opts: stream.Options{OutputDir: cfg.OutputDir},
	}

	for _, sc := range cfg.Streams {
		if _, err := a.start(ctx, sc); err != nil {
			slog.Error("failed to start stream", "stream", sc.Name, "error", err)
			os.Exit(1)
		}
	}

	var feeds api.Feeds
	if cfg.SRTAddr != "" {
		// The registry is created after the errgroup so feed pipelines
		// stop with every other component.
		registry := ingest.NewRegistry(func(f *ingest.Feed) {
			a.startFeed(ctx, f)
		})
		feeds = registry
		srtSrv := srtingest.NewServer(cfg.SRTAddr, registry, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	apiSrv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: api.NewServer(api.Config{
			Streams: a.mgr,
			Feeds:   feeds,
			// API-started streams outlive the request that created them.
			Start: func(_ context.Context, sc config.Stream) (*stream.Stream, error) {
				return a.start(ctx, sc)
			},
			Version: version,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("API server listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.mgr.Wait()
	if err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg  *config.Config
	mgr  *stream.Manager
	opts stream.Options
}

// start builds and runs a configured stream. It also serves stream
// creation requests from the API, so defaults are applied here. The name
// is checked first so a duplicate does not truncate the running stream's
// output files.
func (a *app) start(ctx context.Context, sc config.Stream) (*stream.Stream, error) {
	sc = a.cfg.StreamDefaults(sc)
	if _, ok := a.mgr.Get(sc.Name); ok {
		return nil, stream.ErrExists
	}
	b, err := stream.Build(sc, a.opts)
	if err != nil {
		return nil, err
	}
	return a.mgr.Start(ctx, b.Key, b.Kind, b.Source, b.Stats, b.Pipeline)
}

func (a *app) startFeed(ctx context.Context, f *ingest.Feed) {
	if _, ok := a.mgr.Get(stream.FeedName(f.Key)); ok {
		slog.Warn("rejecting feed, stream name in use", "feed", f.Key)
		f.Close()
		return
	}
	b, err := stream.BuildFeed(f, a.cfg.StreamDefaults(config.Stream{}), a.opts)
	if err == nil {
		_, err = a.mgr.Start(ctx, b.Key, b.Kind, b.Source, b.Stats, b.Pipeline)
	}
	if err != nil {
		slog.Warn("rejecting feed", "feed", f.Key, "error", err)
		f.Close()
		return
	}
	slog.Info("new stream from SRT listener", "feed", f.Key, "stream", b.Key)
}
