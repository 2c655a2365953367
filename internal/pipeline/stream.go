package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/vidclock/internal/assembler"
	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/cpd"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/session"
	"github.com/zsiec/vidclock/internal/stats"
	"github.com/zsiec/vidclock/internal/timestamp"
)

// UnitReader is the part of a source the Stream consumes. ReadUnit blocks
// until the next access unit is available; it returns io.EOF (or an empty
// unit) at end of stream.
type UnitReader interface {
	ReadUnit(ctx context.Context) (media.Unit, error)
}

// StatsRecorder receives stream telemetry. Implementations must be safe
// for concurrent use.
type StatsRecorder interface {
	RecordFrame(bytes int, keyframe bool, pts, duration float64)
	RecordDiscard(reason string)
	RecordReconcile(res cpd.Result)
	RecordClockEvent(event string)
	RecordCaptions(n int)
	RecordResolution(width, height int)
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	Mode timestamp.Mode
	// TimeBase of the units' MediaClock. Defaults to 90 kHz.
	TimeBase media.Rational
	Policy   cpd.Policy
	// Extradata seeds the CPD, in Annex-B or avcC form.
	Extradata []byte
	// FPS declared by the source. Zero means take it from the SPS, then
	// from observed frame intervals.
	FPS float64
	// Start is the start time declared by the container, if any.
	Start time.Time

	Workaround bool
	Adaptive   bool
	Regression timestamp.RegressionPolicy
	Drift      time.Duration
	// RequireAnchor withholds Realtime frames until the first sender report.
	RequireAnchor bool
	// Unpaced disables sleeping on FileLoop waits.
	Unpaced bool

	Anchor *clock.Anchor
	Clock  clock.Clock
	Stats  StatsRecorder
	Log    *slog.Logger
}

// Stream is a pull-based reader of timestamped frames. It owns the session
// and works one unit behind its source: a frame is returned once the unit
// after it (or end of stream) has been read.
//
// Read must be called from a single goroutine. Close, Snapshot and Anchor
// are safe to call concurrently with Read.
type Stream struct {
	log   *slog.Logger
	src   UnitReader
	cfg   StreamConfig
	clock clock.Clock
	stats StatsRecorder

	sess *session.Session
	rec  *cpd.Reconciler
	asm  *assembler.Assembler
	ts   *timestamp.Timestamper
	fps  timestamp.FPSEstimator

	fpsKnown bool
	pending  *pendingFrame
	eos      bool

	snap atomic.Pointer[session.Snapshot]

	done      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	warnUnsynced  rate.Sometimes
	warnMalformed rate.Sometimes
}

type pendingFrame struct {
	unit     media.Unit
	payload  []byte
	keyframe bool
}

// NewStream returns a Stream reading from src. If src implements io.Closer
// it is closed by Close.
func NewStream(src UnitReader, cfg StreamConfig) (*Stream, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Stats == nil {
		cfg.Stats = nopStats{}
	}
	if !cfg.TimeBase.Valid() {
		cfg.TimeBase = media.TimeBase90k
	}

	now := cfg.Clock.Now()
	sess := session.New(session.ResolveStart(cfg.Start, now), cfg.FPS, session.Thresholds{Drift: cfg.Drift})

	if len(cfg.Extradata) > 0 {
		set, err := cpd.ParseExtradata(cfg.Extradata)
		if err != nil {
			return nil, fmt.Errorf("parse extradata: %w", err)
		}
		sess.CPD = set
	}

	log := cfg.Log.With("session", sess.ID)
	rec := cpd.NewReconciler(&sess.CPD, cfg.Policy, log)

	s := &Stream{
		log:   log.With("component", "stream"),
		src:   src,
		cfg:   cfg,
		clock: cfg.Clock,
		stats: cfg.Stats,
		sess:  sess,
		rec:   rec,
		asm:   assembler.New(sess, rec, cfg.Workaround, log),
		ts: timestamp.New(sess, timestamp.Config{
			Mode:       cfg.Mode,
			TimeBase:   cfg.TimeBase,
			Adaptive:   cfg.Adaptive,
			Regression: cfg.Regression,
			Anchor:     cfg.Anchor,
			Log:        log,
		}),
		fpsKnown:      cfg.FPS > 0,
		warnUnsynced:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
		warnMalformed: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	s.done, s.cancel = context.WithCancel(context.Background())
	s.updateFormat()
	s.publish()
	return s, nil
}

// Anchor returns the clock anchor sender reports should be fed into, or
// nil when the stream runs without one.
func (s *Stream) Anchor() *clock.Anchor {
	return s.cfg.Anchor
}

// Snapshot returns the session state as of the last emitted frame.
func (s *Stream) Snapshot() session.Snapshot {
	return *s.snap.Load()
}

// Close stops the stream. A Read in flight returns io.EOF. Close is
// idempotent and returns the source's close error, if any.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if c, ok := s.src.(io.Closer); ok {
			s.closeErr = c.Close()
		}
	})
	return s.closeErr
}

// Read returns the next frame. It returns io.EOF after end of stream or
// Close. Per-unit conditions (cold start, missing anchor, malformed data)
// are absorbed and never returned.
func (s *Stream) Read(ctx context.Context) (media.Frame, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.done, cancel)
	defer stop()

	for {
		if s.closed() {
			return media.Frame{}, s.finish()
		}
		if s.eos {
			return media.Frame{}, io.EOF
		}

		u, err := s.src.ReadUnit(ctx)
		if err != nil {
			if s.closed() {
				return media.Frame{}, s.finish()
			}
			if !errors.Is(err, io.EOF) {
				return media.Frame{}, err
			}
			u = media.Unit{}
		}

		if u.EOS() {
			return s.flush(ctx)
		}

		if s.withhold() {
			continue
		}

		asm, err := s.asm.Assemble(u)
		if err != nil {
			s.stats.RecordDiscard(stats.ReasonMalformed)
			s.warnMalformed.Do(func() {
				s.log.Warn("dropping malformed access unit", "error", err, "size", len(u.Data))
			})
			continue
		}
		if asm == nil {
			s.stats.RecordDiscard(stats.ReasonColdStart)
			continue
		}

		s.stats.RecordReconcile(asm.Reconcile)
		if asm.Captions > 0 {
			s.stats.RecordCaptions(asm.Captions)
		}
		if asm.Reconcile.Changed {
			s.updateFormat()
		}

		next := &pendingFrame{unit: u, payload: asm.Payload, keyframe: asm.Keyframe}
		if s.pending == nil {
			s.ts.Begin(u)
			s.log.Info("stream started", "pts", s.sess.Time, "fps", s.sess.FPS, "mode", s.ts.Mode().String())
			s.pending = next
			s.publish()
			continue
		}

		f, err := s.emit(ctx, &next.unit)
		s.pending = next
		if err != nil {
			return media.Frame{}, err
		}
		return f, nil
	}
}

// withhold reports whether the current unit must be dropped because the
// stream requires a clock anchor and none has arrived yet.
func (s *Stream) withhold() bool {
	if !s.cfg.RequireAnchor || s.cfg.Mode != timestamp.Realtime || s.cfg.Anchor == nil {
		return false
	}
	if s.cfg.Anchor.Synced() {
		return false
	}
	s.stats.RecordDiscard(stats.ReasonUnsynced)
	s.warnUnsynced.Do(func() {
		s.log.Warn("withholding frame until first sender report", "error", media.ErrUnsyncedFrame)
	})
	return true
}

// emit stamps the pending frame against next (nil at end of stream) and
// paces it.
func (s *Stream) emit(ctx context.Context, next *media.Unit) (media.Frame, error) {
	p := s.pending
	st := s.ts.Next(p.unit, next, s.clock.Now())

	if st.Regression != nil {
		s.stats.RecordClockEvent(stats.EventRegression)
		s.log.Warn("media clock regression", "error", st.Regression)
	}
	if st.Rebased {
		s.stats.RecordClockEvent(stats.EventRebase)
	}
	if st.DriftStarted {
		s.stats.RecordClockEvent(stats.EventDrift)
	}

	if !s.fpsKnown {
		if iv, ok := s.interval(p.unit, next, st); ok {
			s.fps.Observe(iv)
			if s.fps.Full() {
				s.sess.SetFormat(s.fps.FPS(), 0, 0)
			}
		}
	}

	f := media.Frame{
		Payload:  p.payload,
		PTS:      st.PTS,
		Duration: st.Duration,
		Keyframe: p.keyframe,
	}
	s.stats.RecordFrame(len(f.Payload), f.Keyframe, f.PTS, f.Duration)
	s.publish()

	if st.Wait > 0 && !s.cfg.Unpaced {
		if err := s.clock.Sleep(ctx, st.Wait); err != nil {
			if s.closed() {
				return media.Frame{}, s.finish()
			}
			return media.Frame{}, err
		}
	}
	return f, nil
}

// interval is the frame interval fed to the FPS estimator: the media clock
// delta when both units carry one, else the measured duration of a
// Realtime frame. FileLoop and Vendor durations derive from the nominal
// rate and say nothing about it.
func (s *Stream) interval(p media.Unit, next *media.Unit, st timestamp.Stamp) (float64, bool) {
	if next != nil && p.HasClock && next.HasClock {
		iv := s.cfg.TimeBase.Seconds(next.MediaClock - p.MediaClock)
		return iv, iv > 0
	}
	if s.cfg.Mode == timestamp.Realtime && next != nil {
		return st.Duration, st.Duration > 0
	}
	return 0, false
}

// flush emits the last pending frame at end of stream.
func (s *Stream) flush(ctx context.Context) (media.Frame, error) {
	s.eos = true
	_, _ = s.asm.Assemble(media.Unit{})
	if s.pending == nil {
		s.publish()
		return media.Frame{}, io.EOF
	}
	f, err := s.emit(ctx, nil)
	s.pending = nil
	s.publish()
	if err != nil {
		return media.Frame{}, err
	}
	s.log.Info("end of stream", "last_pts", f.PTS)
	return f, nil
}

func (s *Stream) finish() error {
	if s.sess.Phase != session.Closed {
		s.sess.Close()
		s.publish()
	}
	return io.EOF
}

func (s *Stream) closed() bool {
	return s.done.Err() != nil
}

// updateFormat refreshes picture properties from the SPS.
func (s *Stream) updateFormat() {
	info, err := s.rec.CPD().Info()
	if err != nil {
		if !errors.Is(err, cpd.ErrNoSPS) {
			s.log.Debug("cannot decode SPS", "error", err)
		}
		return
	}
	fps := 0.0
	if !s.fpsKnown && info.FPS > 0 {
		fps = info.FPS
		s.fpsKnown = true
	}
	s.sess.SetFormat(fps, info.Width, info.Height)
	s.stats.RecordResolution(info.Width, info.Height)
}

func (s *Stream) publish() {
	snap := s.sess.Snapshot()
	s.snap.Store(&snap)
}

type nopStats struct{}

func (nopStats) RecordFrame(int, bool, float64, float64) {}
func (nopStats) RecordDiscard(string)                    {}
func (nopStats) RecordReconcile(cpd.Result)              {}
func (nopStats) RecordClockEvent(string)                 {}
func (nopStats) RecordCaptions(int)                      {}
func (nopStats) RecordResolution(int, int)               {}
