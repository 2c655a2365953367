package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFrame(t *testing.T) {
	FramesTotal.Reset()
	FrameBytesTotal.Reset()
	FrameDuration.Reset()

	RecordFrame("rtsp", true, 1000, 0.04)
	RecordFrame("rtsp", false, 200, 0.04)
	RecordFrame("rtsp", false, 300, 0.04)

	if got := testutil.ToFloat64(FramesTotal.WithLabelValues("rtsp", "key")); got != 1 {
		t.Errorf("key frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(FramesTotal.WithLabelValues("rtsp", "delta")); got != 2 {
		t.Errorf("delta frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(FrameBytesTotal.WithLabelValues("rtsp")); got != 1500 {
		t.Errorf("bytes = %v, want 1500", got)
	}
	if n := testutil.CollectAndCount(FrameDuration); n == 0 {
		t.Error("expected frame duration observations")
	}
}

func TestRecordCPDIgnoresZero(t *testing.T) {
	CPDEventsTotal.Reset()
	RecordCPD("file", "mismatch", 0)
	RecordCPD("file", "duplicate", 2)
	if n := testutil.CollectAndCount(CPDEventsTotal); n != 1 {
		t.Errorf("series = %d, want 1", n)
	}
	if got := testutil.ToFloat64(CPDEventsTotal.WithLabelValues("file", "duplicate")); got != 2 {
		t.Errorf("duplicates = %v, want 2", got)
	}
}

func TestActiveStreams(t *testing.T) {
	ActiveStreams.Reset()
	IncActiveStreams("srt")
	IncActiveStreams("srt")
	DecActiveStreams("srt")
	if got := testutil.ToFloat64(ActiveStreams.WithLabelValues("srt")); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
}

func TestPromhttpExposure(t *testing.T) {
	RecordClockEvent("nvr", "drift")
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "vidclock_clock_events_total") {
		t.Error("clock events metric not exposed")
	}
}
