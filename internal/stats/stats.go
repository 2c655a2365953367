// Package stats accumulates per-stream telemetry for the status API and
// mirrors it into the Prometheus metrics.
package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vidclock/internal/cpd"
	"github.com/zsiec/vidclock/internal/metrics"
)

// Discard reasons.
const (
	ReasonColdStart = "cold_start"
	ReasonUnsynced  = "unsynced"
	ReasonMalformed = "malformed"
)

// Clock events.
const (
	EventRegression   = "regression"
	EventRebase       = "rebase"
	EventDrift        = "drift"
	EventSenderReport = "sender_report"
)

// VideoStats holds point-in-time frame metrics.
type VideoStats struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	TotalFrames   int64   `json:"totalFrames"`
	KeyFrames     int64   `json:"keyFrames"`
	DeltaFrames   int64   `json:"deltaFrames"`
	CurrentGOPLen int     `json:"currentGOPLen"`
	BitrateKbps   float64 `json:"bitrateKbps"`
	FrameRate     float64 `json:"frameRate"`
	TotalBytes    int64   `json:"totalBytes"`
	LastPTS       float64 `json:"lastPts"`
	LastDuration  float64 `json:"lastDuration"`
}

// DiscardStats counts access units that never became frames.
type DiscardStats struct {
	ColdStart int64 `json:"coldStart"`
	Unsynced  int64 `json:"unsynced"`
	Malformed int64 `json:"malformed"`
}

// CPDStats counts reconciliation outcomes.
type CPDStats struct {
	Changes     int64 `json:"changes"`
	Duplicates  int64 `json:"duplicates"`
	Mismatches  int64 `json:"mismatches"`
	DroppedNALU int64 `json:"droppedNalu"`
}

// ClockStats counts timeline corrections.
type ClockStats struct {
	Regressions   int64 `json:"regressions"`
	Rebases       int64 `json:"rebases"`
	Drifts        int64 `json:"drifts"`
	SenderReports int64 `json:"senderReports"`
}

// Snapshot is the stats payload served by the status API.
type Snapshot struct {
	Timestamp int64        `json:"ts"`
	UptimeMs  int64        `json:"uptimeMs"`
	Source    string       `json:"source"`
	Video     VideoStats   `json:"video"`
	Discards  DiscardStats `json:"discards"`
	CPD       CPDStats     `json:"cpd"`
	Clock     ClockStats   `json:"clock"`
	Captions  int64        `json:"captions"`
}

// Collector accumulates stream telemetry from the stream reader and any
// source callbacks. Counters are atomic; the sliding windows have their
// own mutexes.
type Collector struct {
	source  string
	started time.Time

	frames    atomic.Int64
	keyframes atomic.Int64
	delta     atomic.Int64
	bytes     atomic.Int64
	gopLen    atomic.Int32
	width     atomic.Int32
	height    atomic.Int32
	lastPTS   atomic.Uint64 // math.Float64bits
	lastDur   atomic.Uint64

	coldStart atomic.Int64
	unsynced  atomic.Int64
	malformed atomic.Int64

	cpdChanges    atomic.Int64
	cpdDuplicates atomic.Int64
	cpdMismatches atomic.Int64
	nalusDropped  atomic.Int64

	regressions   atomic.Int64
	rebases       atomic.Int64
	drifts        atomic.Int64
	senderReports atomic.Int64

	captions atomic.Int64

	// windowMu guards fpsWindow and bitrateWindow
	windowMu      sync.Mutex
	fpsWindow     []time.Time
	bitrateWindow []bitrateEntry
}

type bitrateEntry struct {
	ts    time.Time
	bytes int64
}

// window is the span of the FPS and bitrate sliding windows.
const window = 2 * time.Second

// New returns a Collector labelled with the source kind.
func New(source string) *Collector {
	return &Collector{source: source, started: time.Now()}
}

// RecordFrame records one emitted frame.
func (c *Collector) RecordFrame(bytes int, keyframe bool, pts, duration float64) {
	c.frames.Add(1)
	c.bytes.Add(int64(bytes))
	if keyframe {
		c.keyframes.Add(1)
		c.gopLen.Store(1)
	} else {
		c.delta.Add(1)
		c.gopLen.Add(1)
	}
	c.lastPTS.Store(floatBits(pts))
	c.lastDur.Store(floatBits(duration))
	metrics.RecordFrame(c.source, keyframe, bytes, duration)

	now := time.Now()
	cutoff := now.Add(-window)

	c.windowMu.Lock()
	c.fpsWindow = append(c.fpsWindow, now)
	i := 0
	for i < len(c.fpsWindow) && c.fpsWindow[i].Before(cutoff) {
		i++
	}
	c.fpsWindow = c.fpsWindow[i:]

	c.bitrateWindow = append(c.bitrateWindow, bitrateEntry{ts: now, bytes: int64(bytes)})
	j := 0
	for j < len(c.bitrateWindow) && c.bitrateWindow[j].ts.Before(cutoff) {
		j++
	}
	c.bitrateWindow = c.bitrateWindow[j:]
	c.windowMu.Unlock()
}

// RecordDiscard records an access unit dropped for reason.
func (c *Collector) RecordDiscard(reason string) {
	switch reason {
	case ReasonColdStart:
		c.coldStart.Add(1)
	case ReasonUnsynced:
		c.unsynced.Add(1)
	case ReasonMalformed:
		c.malformed.Add(1)
	}
	metrics.RecordDiscard(c.source, reason)
}

// RecordReconcile records the outcome of reconciling one access unit.
func (c *Collector) RecordReconcile(res cpd.Result) {
	if res.Changed {
		c.cpdChanges.Add(1)
		metrics.RecordCPD(c.source, "changed", 1)
	}
	c.cpdDuplicates.Add(int64(res.Duplicates))
	c.cpdMismatches.Add(int64(res.Mismatches))
	c.nalusDropped.Add(int64(res.Dropped))
	metrics.RecordCPD(c.source, "duplicate", res.Duplicates)
	metrics.RecordCPD(c.source, "mismatch", res.Mismatches)
	metrics.RecordCPD(c.source, "dropped", res.Dropped)
}

// RecordClockEvent records a timeline event.
func (c *Collector) RecordClockEvent(event string) {
	switch event {
	case EventRegression:
		c.regressions.Add(1)
	case EventRebase:
		c.rebases.Add(1)
	case EventDrift:
		c.drifts.Add(1)
	case EventSenderReport:
		c.senderReports.Add(1)
	}
	metrics.RecordClockEvent(c.source, event)
}

// RecordCaptions adds n caption packets seen in SEI units.
func (c *Collector) RecordCaptions(n int) {
	c.captions.Add(int64(n))
}

// RecordResolution stores the picture size from the SPS.
func (c *Collector) RecordResolution(width, height int) {
	c.width.Store(int32(width))
	c.height.Store(int32(height))
}

// VideoFPS computes the emitted frame rate over the sliding window.
func (c *Collector) VideoFPS() float64 {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	if len(c.fpsWindow) < 2 {
		return 0
	}
	dur := c.fpsWindow[len(c.fpsWindow)-1].Sub(c.fpsWindow[0]).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(c.fpsWindow)-1) / dur
}

// VideoBitrateKbps computes the emitted bitrate over the sliding window.
func (c *Collector) VideoBitrateKbps() float64 {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	if len(c.bitrateWindow) < 2 {
		return 0
	}
	dur := c.bitrateWindow[len(c.bitrateWindow)-1].ts.Sub(c.bitrateWindow[0].ts).Seconds()
	if dur <= 0 {
		return 0
	}
	var total int64
	for _, e := range c.bitrateWindow[1:] {
		total += e.bytes
	}
	return float64(total) * 8 / 1000 / dur
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Timestamp: now.UnixMilli(),
		UptimeMs:  now.Sub(c.started).Milliseconds(),
		Source:    c.source,
		Video: VideoStats{
			Width:         int(c.width.Load()),
			Height:        int(c.height.Load()),
			TotalFrames:   c.frames.Load(),
			KeyFrames:     c.keyframes.Load(),
			DeltaFrames:   c.delta.Load(),
			CurrentGOPLen: int(c.gopLen.Load()),
			BitrateKbps:   c.VideoBitrateKbps(),
			FrameRate:     c.VideoFPS(),
			TotalBytes:    c.bytes.Load(),
			LastPTS:       floatFrom(c.lastPTS.Load()),
			LastDuration:  floatFrom(c.lastDur.Load()),
		},
		Discards: DiscardStats{
			ColdStart: c.coldStart.Load(),
			Unsynced:  c.unsynced.Load(),
			Malformed: c.malformed.Load(),
		},
		CPD: CPDStats{
			Changes:     c.cpdChanges.Load(),
			Duplicates:  c.cpdDuplicates.Load(),
			Mismatches:  c.cpdMismatches.Load(),
			DroppedNALU: c.nalusDropped.Load(),
		},
		Clock: ClockStats{
			Regressions:   c.regressions.Load(),
			Rebases:       c.rebases.Load(),
			Drifts:        c.drifts.Load(),
			SenderReports: c.senderReports.Load(),
		},
		Captions: c.captions.Load(),
	}
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }

func floatFrom(b uint64) float64 { return math.Float64frombits(b) }
