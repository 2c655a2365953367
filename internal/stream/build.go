package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/config"
	"github.com/zsiec/vidclock/internal/ingest"
	"github.com/zsiec/vidclock/internal/pipeline"
	"github.com/zsiec/vidclock/internal/sink"
	"github.com/zsiec/vidclock/internal/source"
	"github.com/zsiec/vidclock/internal/stats"
)

var _ pipeline.StatsRecorder = (*stats.Collector)(nil)

// ErrFeedConsumed is returned when a listener feed's pipeline tries to
// reopen it. A pushed feed cannot be replayed.
var ErrFeedConsumed = errors.New("stream: feed already consumed")

// Options carries the collaborators shared by every built pipeline.
type Options struct {
	OutputDir  string
	Clock      clock.Clock
	HTTPClient *http.Client
	Log        *slog.Logger
}

func (o *Options) defaults() {
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// Built is a pipeline ready to run, with the collaborators the manager
// reports on.
type Built struct {
	Key      string
	Kind     string
	Source   string
	Stats    *stats.Collector
	Pipeline *pipeline.Pipeline
}

// Build parses cfg's source URL and assembles its pipeline. Each open of
// the pipeline (the first and every loop restart) opens a fresh source.
func Build(cfg config.Stream, opts Options) (*Built, error) {
	opts.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	desc, err := source.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", cfg.Name, err)
	}
	sc, err := streamConfig(cfg, opts)
	if err != nil {
		return nil, err
	}

	log := opts.Log.With("stream", cfg.Name)
	st := stats.New(string(desc.Kind))
	sc.Stats = st
	sc.Log = log

	open := func(ctx context.Context, start time.Time) (*pipeline.Stream, error) {
		d := desc
		if !start.IsZero() {
			d.Start = start
		}
		src, err := source.New(d, source.Options{
			Clock:      opts.Clock,
			Log:        log,
			Events:     st,
			HTTPClient: opts.HTTPClient,
		})
		if err != nil {
			return nil, err
		}
		info, err := src.Open(ctx)
		if err != nil {
			src.Close()
			return nil, err
		}
		if info.Start.IsZero() {
			info.Start = d.Start
		}
		s, err := pipeline.NewStream(src, withInfo(sc, info, cfg.FPS))
		if err != nil {
			src.Close()
			return nil, err
		}
		return s, nil
	}

	out, err := sink.Create(cfg.Sink, opts.OutputDir, cfg.Name, log)
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", cfg.Name, err)
	}

	p := pipeline.New(pipeline.Config{
		Key:      cfg.Name,
		Source:   string(desc.Kind),
		Open:     open,
		Sink:     out,
		Duration: cfg.Duration,
		Loop:     cfg.Loop || desc.Loop,
		Clock:    opts.Clock,
		Log:      opts.Log,
	})
	return &Built{
		Key:      cfg.Name,
		Kind:     string(desc.Kind),
		Source:   desc.String(),
		Stats:    st,
		Pipeline: p,
	}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FeedName maps a listener feed key to a stream name usable as a file name.
func FeedName(key string) string {
	name := unsafeName.ReplaceAllString(key, "_")
	if name == "" || name[0] == '.' || name[0] == '_' || name[0] == '-' {
		name = "feed" + name
	}
	return name
}

// BuildFeed assembles a pipeline over a feed published to the SRT
// listener. defaults supplies the sink and timing settings; its name and
// URL are ignored.
func BuildFeed(f *ingest.Feed, defaults config.Stream, opts Options) (*Built, error) {
	opts.defaults()
	defaults.Name = FeedName(f.Key)
	defaults.URL = "srt://listener"
	sc, err := streamConfig(defaults, opts)
	if err != nil {
		return nil, err
	}

	log := opts.Log.With("stream", defaults.Name, "feed", f.Key)
	st := stats.New(string(source.KindSRT))
	sc.Stats = st
	sc.Log = log

	var once sync.Once
	open := func(ctx context.Context, _ time.Time) (*pipeline.Stream, error) {
		err := ErrFeedConsumed
		var s *pipeline.Stream
		once.Do(func() {
			src := source.NewFeed(f, log)
			var info source.Info
			info, err = src.Open(ctx)
			if err != nil {
				src.Close()
				return
			}
			s, err = pipeline.NewStream(src, withInfo(sc, info, defaults.FPS))
			if err != nil {
				src.Close()
			}
		})
		return s, err
	}

	out, err := sink.Create(defaults.Sink, opts.OutputDir, defaults.Name, log)
	if err != nil {
		return nil, fmt.Errorf("feed %q: %w", f.Key, err)
	}

	p := pipeline.New(pipeline.Config{
		Key:      defaults.Name,
		Source:   string(source.KindSRT),
		Open:     open,
		Sink:     out,
		Duration: defaults.Duration,
		Clock:    opts.Clock,
		Log:      opts.Log,
	})
	return &Built{
		Key:      defaults.Name,
		Kind:     string(source.KindSRT),
		Source:   "srt-listener:" + f.Key,
		Stats:    st,
		Pipeline: p,
	}, nil
}

// streamConfig maps the per-stream settings that do not depend on the
// opened source.
func streamConfig(cfg config.Stream, opts Options) (pipeline.StreamConfig, error) {
	policy, err := cfg.CPDPolicy()
	if err != nil {
		return pipeline.StreamConfig{}, err
	}
	regression, err := cfg.RegressionPolicy()
	if err != nil {
		return pipeline.StreamConfig{}, err
	}
	return pipeline.StreamConfig{
		Policy:        policy,
		Workaround:    cfg.Workaround,
		Adaptive:      cfg.IsAdaptive(),
		Regression:    regression,
		Drift:         cfg.Drift,
		RequireAnchor: cfg.WithholdUnsynced(),
		Unpaced:       cfg.Unpaced,
		Clock:         opts.Clock,
	}, nil
}

// withInfo completes sc with what the source reported at open. A declared
// fps in the configuration wins over the source's.
func withInfo(sc pipeline.StreamConfig, info source.Info, fps float64) pipeline.StreamConfig {
	sc.Mode = info.Mode
	sc.TimeBase = info.TimeBase
	sc.Extradata = info.Extradata
	sc.Start = info.Start
	sc.Anchor = info.Anchor
	sc.FPS = info.FPS
	if fps > 0 {
		sc.FPS = fps
	}
	return sc
}
