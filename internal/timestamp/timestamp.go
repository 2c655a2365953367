// Package timestamp assigns presentation timestamps and durations to frames.
// It reconciles the encoder's media clock, the RTCP clock anchor, vendor
// capture times and the local wall clock into one non-decreasing timeline.
//
// The Timestamper works one frame behind the source: a frame's duration is
// known only once the following unit (or end of stream) has been seen.
package timestamp

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/session"
)

// Mode selects how durations are derived.
type Mode int

const (
	// Realtime uses media clock deltas, falling back to wall-clock pacing
	// when the clock is missing or has drifted.
	Realtime Mode = iota
	// FileLoop paces a file source at the nominal frame rate.
	FileLoop
	// Vendor nudges durations toward absolute capture times reported by
	// an NVR.
	Vendor
)

func (m Mode) String() string {
	switch m {
	case Realtime:
		return "realtime"
	case FileLoop:
		return "file-loop"
	case Vendor:
		return "vendor"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Config configures a Timestamper.
type Config struct {
	Mode     Mode
	TimeBase media.Rational
	// Adaptive enables drift detection in Realtime mode.
	Adaptive   bool
	Regression RegressionPolicy
	Anchor     *clock.Anchor
	Log        *slog.Logger
}

// Stamp is the placement of one emitted frame.
type Stamp struct {
	PTS      float64
	Duration float64
	// Wait is how long the caller should sleep before emitting, for
	// FileLoop pacing.
	Wait time.Duration

	// Regression is set when the media clock failed to advance and the
	// duration was synthesized.
	Regression *ClockRegressionError
	// DriftStarted is set on the frame that pushed the session into drift.
	DriftStarted bool
	// Rebased is set when a new clock anchor moved the timeline.
	Rebased bool
}

// Timestamper drives a session's timeline. It is owned by the stream reader
// and is not safe for concurrent use.
type Timestamper struct {
	cfg  Config
	sess *session.Session
	log  *slog.Logger

	tickNS float64
	gen    uint64
}

// New returns a Timestamper that mutates sess.
func New(sess *session.Session, cfg Config) *Timestamper {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Regression == nil {
		cfg.Regression = HalvePrevious{}
	}
	if !cfg.TimeBase.Valid() {
		cfg.TimeBase = media.TimeBase90k
	}
	return &Timestamper{
		cfg:    cfg,
		sess:   sess,
		log:    cfg.Log.With("component", "timestamper", "mode", cfg.Mode.String()),
		tickNS: float64(cfg.TimeBase.Num) * 1e9 / float64(cfg.TimeBase.Den),
	}
}

// Mode returns the configured mode.
func (t *Timestamper) Mode() Mode {
	return t.cfg.Mode
}

// Begin places frame 0. It normalizes the frame to the anchor-mapped time
// when a clock anchor is available, to the vendor capture time in Vendor
// mode, and to the session start otherwise.
func (t *Timestamper) Begin(u media.Unit) {
	start := clock.Seconds(t.sess.Start)
	switch {
	case t.cfg.Mode == Realtime && u.HasClock && t.anchor() != nil:
		a := t.anchor()
		t.gen = a.Generation
		t.sess.Synchronize(a)
		start = float64(a.Map(u.MediaClock, t.tickNS)) / 1e9
	case t.cfg.Mode == Vendor && !u.VendorTime.IsZero():
		start = clock.Seconds(u.VendorTime)
	}
	t.sess.Begin(start, t.sess.Nominal())
}

// Next places the pending frame p now that the following unit is known.
// A nil next means end of stream: the frame keeps the last duration.
func (t *Timestamper) Next(p media.Unit, next *media.Unit, now time.Time) Stamp {
	switch t.cfg.Mode {
	case FileLoop:
		return t.fileLoop(now)
	case Vendor:
		return t.vendor(p)
	default:
		return t.realtime(p, next, now)
	}
}

func (t *Timestamper) anchor() *clock.Sample {
	if t.cfg.Anchor == nil {
		return nil
	}
	return t.cfg.Anchor.Load()
}

func (t *Timestamper) realtime(p media.Unit, next *media.Unit, now time.Time) Stamp {
	var st Stamp
	s := t.sess
	nowS := clock.Seconds(now)

	if a := t.anchor(); a != nil && a.Generation != t.gen && !s.Drifting && p.HasClock {
		t.gen = a.Generation
		s.Synchronize(a)
		mapped := float64(a.Map(p.MediaClock, t.tickNS)) / 1e9
		if s.Rebase(mapped) {
			st.Rebased = true
		} else {
			t.log.Debug("anchor maps behind timeline, keeping accumulated time",
				"mapped", mapped, "time", s.Time)
		}
	}

	if next == nil {
		d := s.Duration
		st.PTS = s.Advance(d, s.Time+d)
		st.Duration = d
		return st
	}

	haveClock := p.HasClock && next.HasClock
	var raw float64
	if haveClock {
		raw = t.cfg.TimeBase.Seconds(next.MediaClock - p.MediaClock)
		if raw <= 0 {
			corrected := t.cfg.Regression.Correct(s.Duration, s.Nominal())
			if corrected <= 0 {
				corrected = s.Nominal()
			}
			ticks := t.cfg.TimeBase.Ticks(corrected)
			if ticks < 1 {
				ticks = 1
			}
			st.Regression = &ClockRegressionError{
				Prev:      p.MediaClock,
				Got:       next.MediaClock,
				Corrected: p.MediaClock + ticks,
				Duration:  corrected,
			}
			next.MediaClock = p.MediaClock + ticks
			raw = corrected
		}
	}

	expected := s.Time + raw
	if haveClock && t.cfg.Adaptive && !s.Drifting {
		if math.Abs(expected-nowS) > s.Thresholds.DriftSeconds() {
			st.DriftStarted = s.MarkDrifting()
			t.log.Warn("media time drifted from wall clock, switching to wall-clock pacing",
				"expected", expected, "now", nowS, "threshold", s.Thresholds.DriftSeconds())
		}
	}

	if haveClock && !s.Drifting {
		st.Duration = raw
		st.PTS = s.Advance(raw, expected)
		return st
	}

	nominal := s.Nominal()
	d := clamp(nowS-s.Time, 0.5*nominal, 1.5*nominal)
	st.Duration = d
	st.PTS = s.Advance(d, s.Time+d)
	return st
}

func (t *Timestamper) fileLoop(now time.Time) Stamp {
	s := t.sess
	d := s.Nominal()
	wait := s.Time + d - clock.Seconds(now)
	st := Stamp{Duration: d}
	if wait > 0 {
		st.Wait = time.Duration(wait * float64(time.Second))
	}
	st.PTS = s.Advance(d, s.Time+d)
	return st
}

// vendor applies a single damped correction toward the NVR's capture time:
// half the error, bounded by half a nominal frame.
func (t *Timestamper) vendor(p media.Unit) Stamp {
	s := t.sess
	nominal := s.Nominal()
	d := nominal
	if !p.VendorTime.IsZero() {
		offset := (clock.Seconds(p.VendorTime) - s.Time) / 2
		offset = clamp(offset, -nominal/2, nominal/2)
		d = nominal + offset
	}
	return Stamp{Duration: d, PTS: s.Advance(d, s.Time+d)}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
