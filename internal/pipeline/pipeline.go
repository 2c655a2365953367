// Package pipeline turns a source's access units into timestamped frames
// and forwards them to a sink.
//
// A Stream does the per-unit work: cold start, CPD reconciliation,
// timestamping and assembly. A Pipeline drives one Stream into a Sink,
// keeps the output timeline monotonic across stream restarts, and enforces
// the configured streaming duration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/session"
)

// ErrNoFrames is returned when a looping stream reaches end of stream
// without emitting a frame. Reopening it would only spin.
var ErrNoFrames = errors.New("pipeline: stream produced no frames")

// Sink consumes emitted frames. Accepting an interface here decouples the
// pipeline from the concrete writers, making it testable with stubs.
type Sink interface {
	WriteFrame(ctx context.Context, f media.Frame) error
	Close() error
}

// Opener opens a fresh Stream. start is the earliest session start the
// stream may use; it is zero on the first open and the end of the last
// emitted frame on a loop restart.
type Opener func(ctx context.Context, start time.Time) (*Stream, error)

// Config configures a Pipeline.
type Config struct {
	Key    string
	Source string // source kind, for logs and the status API
	Open   Opener
	Sink   Sink
	// Duration stops streaming after this much wall time. Zero streams
	// until end of stream or cancellation.
	Duration time.Duration
	// Loop reopens the stream at end of stream.
	Loop  bool
	Clock clock.Clock
	Log   *slog.Logger
}

// Status is a point-in-time view of a pipeline for the status API.
type Status struct {
	Key       string            `json:"key"`
	Source    string            `json:"source"`
	Running   bool              `json:"running"`
	Frames    int64             `json:"frames"`
	Clamped   int64             `json:"clamped"`
	Restarts  int64             `json:"restarts"`
	LastPTS   float64           `json:"lastPts"`
	StartedAt int64             `json:"startedAtMs"`
	Session   *session.Snapshot `json:"session,omitempty"`
}

// Pipeline bridges a single Stream and a Sink.
type Pipeline struct {
	log       *slog.Logger
	cfg       Config
	clock     clock.Clock
	startedAt atomic.Int64 // unix ms

	current  atomic.Pointer[Stream]
	running  atomic.Bool
	frames   atomic.Int64
	clamped  atomic.Int64
	restarts atomic.Int64
	lastPTS  atomic.Uint64 // math.Float64bits
}

// New creates a Pipeline. If cfg.Log is nil, slog.Default() is used.
func New(cfg Config) *Pipeline {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Pipeline{
		log:   cfg.Log.With("stream", cfg.Key, "source", cfg.Source),
		cfg:   cfg,
		clock: cfg.Clock,
	}
}

// Status returns counters and the current session snapshot.
func (p *Pipeline) Status() Status {
	st := Status{
		Key:       p.cfg.Key,
		Source:    p.cfg.Source,
		Running:   p.running.Load(),
		Frames:    p.frames.Load(),
		Clamped:   p.clamped.Load(),
		Restarts:  p.restarts.Load(),
		LastPTS:   math.Float64frombits(p.lastPTS.Load()),
		StartedAt: p.startedAt.Load(),
	}
	if s := p.current.Load(); s != nil {
		snap := s.Snapshot()
		st.Session = &snap
	}
	return st
}

// Stream returns the stream currently being read, or nil.
func (p *Pipeline) Stream() *Stream {
	return p.current.Load()
}

// Run opens the stream and forwards frames until end of stream, the
// duration limit, or cancellation. Cancellation is not an error. The sink
// is closed when Run returns.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	started := p.clock.Now()
	p.startedAt.Store(started.UnixMilli())
	p.running.Store(true)
	defer p.running.Store(false)

	defer func() {
		if cerr := p.cfg.Sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close sink: %w", cerr)
		}
	}()

	var stopAt time.Time
	if p.cfg.Duration > 0 {
		stopAt = started.Add(p.cfg.Duration)
		p.log.Info("streaming with duration limit", "stop_at", stopAt)
	} else {
		p.log.Info("streaming indefinitely")
	}

	s, err := p.cfg.Open(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	p.current.Store(s)
	defer func() { p.closeStream() }()

	var prev media.Frame
	var have bool
	passStart := p.frames.Load()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !stopAt.IsZero() && !p.clock.Now().Before(stopAt) {
			p.log.Info("duration limit reached", "frames", p.frames.Load())
			return nil
		}

		f, err := p.current.Load().Read(ctx)
		if errors.Is(err, io.EOF) {
			if !p.cfg.Loop || ctx.Err() != nil {
				p.log.Info("stream ended", "frames", p.frames.Load())
				return nil
			}
			if p.frames.Load() == passStart {
				return ErrNoFrames
			}
			if err := p.restart(ctx, prev, have); err != nil {
				return err
			}
			passStart = p.frames.Load()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if have && f.PTS < prev.End() {
			p.clamped.Add(1)
			p.log.Debug("clamping frame to previous end", "pts", f.PTS, "prev_end", prev.End())
			f.PTS = prev.End()
		}

		if err := p.cfg.Sink.WriteFrame(ctx, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write frame: %w", err)
		}
		p.frames.Add(1)
		p.lastPTS.Store(math.Float64bits(f.PTS))
		prev, have = f, true
	}
}

// restart reopens the stream after end of stream, never earlier than the
// end of the last emitted frame.
func (p *Pipeline) restart(ctx context.Context, prev media.Frame, have bool) error {
	p.closeStream()

	start := p.clock.Now()
	if have {
		if end := clock.FromSeconds(prev.End()); end.After(start) {
			start = end
		}
	}
	p.log.Warn("restarting stream after end of stream", "start", start)

	s, err := p.cfg.Open(ctx, start)
	if err != nil {
		return fmt.Errorf("reopen stream: %w", err)
	}
	p.current.Store(s)
	p.restarts.Add(1)
	return nil
}

func (p *Pipeline) closeStream() {
	if s := p.current.Load(); s != nil {
		if err := s.Close(); err != nil {
			p.log.Debug("stream close", "error", err)
		}
	}
}
