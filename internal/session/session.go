// Package session holds the per-stream state shared by the timestamper and
// the frame assembler. All mutation goes through named transitions so every
// invariant is enforced in one place: the timeline never moves backward,
// drifting never clears, and durations stay positive.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/cpd"
)

// DefaultFPS is assumed when neither the source nor the SPS declare a rate.
const DefaultFPS = 25.0

// DefaultDriftThreshold is the largest tolerated gap between media time and
// the wall clock before a session switches to wall-clock pacing.
const DefaultDriftThreshold = 10 * time.Second

// SyncState tracks the relationship between the session and its clock anchor.
type SyncState int

const (
	Unsynced SyncState = iota
	Synced
	Drifting
)

func (s SyncState) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Synced:
		return "synced"
	case Drifting:
		return "drifting"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// Phase tracks delivery progress.
type Phase int

const (
	ColdStart Phase = iota
	Streaming
	Closed
)

func (p Phase) String() string {
	switch p {
	case ColdStart:
		return "cold-start"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Thresholds configures drift detection.
type Thresholds struct {
	Drift time.Duration
}

// DriftSeconds returns the drift threshold in seconds, applying the default.
func (t Thresholds) DriftSeconds() float64 {
	if t.Drift <= 0 {
		return DefaultDriftThreshold.Seconds()
	}
	return t.Drift.Seconds()
}

// Session is the typed state of one stream. It is owned by a single reader
// and is not safe for concurrent use; use Snapshot to publish it.
type Session struct {
	ID     string
	FPS    float64
	Width  int
	Height int

	// Time is the pts of the next frame to be emitted, in seconds.
	Time float64
	// Duration is the last assigned frame duration, in seconds.
	Duration float64

	Drifting   bool
	Thresholds Thresholds
	Anchor     *clock.Sample
	CPD        cpd.Set
	Started    bool

	Start time.Time
	Sync  SyncState
	Phase Phase
}

// New returns a session in the Unsynced and ColdStart states.
func New(start time.Time, fps float64, th Thresholds) *Session {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &Session{
		ID:         uuid.NewString(),
		FPS:        fps,
		Thresholds: th,
		Start:      start,
		Duration:   1 / fps,
	}
}

// Nominal returns the nominal frame duration, 1/FPS.
func (s *Session) Nominal() float64 {
	return 1 / s.FPS
}

// SetFormat records picture properties. Non-positive values are ignored.
func (s *Session) SetFormat(fps float64, width, height int) {
	if fps > 0 {
		s.FPS = fps
	}
	if width > 0 {
		s.Width = width
	}
	if height > 0 {
		s.Height = height
	}
}

// Synchronize records a clock anchor. A drifting session keeps its state.
func (s *Session) Synchronize(a *clock.Sample) {
	s.Anchor = a
	if s.Sync == Unsynced {
		s.Sync = Synced
	}
}

// MarkDrifting switches the session to wall-clock pacing for the rest of
// its life. It reports whether this call made the transition.
func (s *Session) MarkDrifting() bool {
	if s.Drifting {
		return false
	}
	s.Drifting = true
	s.Sync = Drifting
	return true
}

// Begin accepts frame 0 at pts t with the given duration.
func (s *Session) Begin(t, duration float64) {
	s.Time = t
	s.Duration = s.positive(duration)
	s.Started = true
	if s.Phase == ColdStart {
		s.Phase = Streaming
	}
}

// Rebase moves the timeline forward to t. It reports false, leaving the
// timeline untouched, when t lies before the current time.
func (s *Session) Rebase(t float64) bool {
	if t < s.Time {
		return false
	}
	s.Time = t
	return true
}

// Advance emits the pending frame with duration and moves the timeline to
// next, which is clamped so the timeline never moves backward. It returns
// the pts assigned to the emitted frame.
func (s *Session) Advance(duration, next float64) float64 {
	pts := s.Time
	s.Duration = s.positive(duration)
	if next < pts {
		next = pts
	}
	s.Time = next
	return pts
}

// Close moves the session to Closed.
func (s *Session) Close() {
	s.Phase = Closed
}

func (s *Session) positive(d float64) float64 {
	if d > 0 {
		return d
	}
	return s.Nominal()
}

// Snapshot is a read-only copy of the session for status reporting.
type Snapshot struct {
	ID       string  `json:"id"`
	FPS      float64 `json:"fps"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Time     float64 `json:"time"`
	Duration float64 `json:"duration"`
	Drifting bool    `json:"drifting"`
	Sync     string  `json:"sync"`
	Phase    string  `json:"phase"`
	Start    int64   `json:"startMs"`
}

// Snapshot copies the fields reported by the status API.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:       s.ID,
		FPS:      s.FPS,
		Width:    s.Width,
		Height:   s.Height,
		Time:     s.Time,
		Duration: s.Duration,
		Drifting: s.Drifting,
		Sync:     s.Sync.String(),
		Phase:    s.Phase.String(),
		Start:    s.Start.UnixMilli(),
	}
}

// maxStartSkew bounds how far a container's declared start may lie from
// now before it is treated as bogus.
const maxStartSkew = 30 * 24 * time.Hour

// ResolveStart returns declared when it is set and within 30 days of now,
// otherwise now.
func ResolveStart(declared, now time.Time) time.Time {
	if declared.IsZero() {
		return now
	}
	d := now.Sub(declared)
	if d < 0 {
		d = -d
	}
	if d > maxStartSkew {
		return now
	}
	return declared
}
