// Package metrics provides Prometheus metrics for vidclock streams.
// Labels carry the source kind only; stream IDs are reported through the
// status API instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts emitted frames by source kind and frame type.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidclock_frames_total",
		Help: "Total number of emitted frames, by source kind and frame type (key/delta).",
	}, []string{"source", "type"})

	// FrameBytesTotal counts emitted payload bytes by source kind.
	FrameBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidclock_frame_bytes_total",
		Help: "Total number of emitted Annex-B payload bytes, by source kind.",
	}, []string{"source"})

	// DiscardsTotal counts access units that never became frames.
	DiscardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidclock_discards_total",
		Help: "Total number of discarded access units, by source kind and reason.",
	}, []string{"source", "reason"})

	// CPDEventsTotal counts parameter-set reconciliation outcomes.
	CPDEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidclock_cpd_events_total",
		Help: "Total number of CPD reconciliation events, by source kind and outcome.",
	}, []string{"source", "outcome"})

	// ClockEventsTotal counts timeline corrections.
	ClockEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidclock_clock_events_total",
		Help: "Total number of timeline events, by source kind and event (regression/rebase/drift/sender_report).",
	}, []string{"source", "event"})

	// ActiveStreams tracks running streams by source kind.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vidclock_active_streams",
		Help: "Current number of running streams, by source kind.",
	}, []string{"source"})

	// FrameDuration observes assigned frame durations in seconds.
	FrameDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidclock_frame_duration_seconds",
		Help:    "Assigned frame durations, by source kind.",
		Buckets: []float64{0.005, 0.01, 0.02, 0.03, 0.04, 0.05, 0.07, 0.1, 0.2, 0.5},
	}, []string{"source"})
)

// RecordFrame records one emitted frame.
func RecordFrame(source string, keyframe bool, bytes int, duration float64) {
	typ := "delta"
	if keyframe {
		typ = "key"
	}
	FramesTotal.WithLabelValues(source, typ).Inc()
	FrameBytesTotal.WithLabelValues(source).Add(float64(bytes))
	FrameDuration.WithLabelValues(source).Observe(duration)
}

// RecordDiscard records an access unit dropped for reason.
func RecordDiscard(source, reason string) {
	DiscardsTotal.WithLabelValues(source, reason).Inc()
}

// RecordCPD adds n events of the given outcome.
func RecordCPD(source, outcome string, n int) {
	if n <= 0 {
		return
	}
	CPDEventsTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// RecordClockEvent records a timeline event.
func RecordClockEvent(source, event string) {
	ClockEventsTotal.WithLabelValues(source, event).Inc()
}

// IncActiveStreams marks a stream of the given kind as running.
func IncActiveStreams(source string) {
	ActiveStreams.WithLabelValues(source).Inc()
}

// DecActiveStreams marks a stream of the given kind as stopped.
func DecActiveStreams(source string) {
	ActiveStreams.WithLabelValues(source).Dec()
}
