package srt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vidclock/internal/ingest"
)

func TestFeedKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "lobby/camera1", want: "lobby/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FeedKey(tc.streamID); got != tc.want {
				t.Errorf("FeedKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestServerAdmit(t *testing.T) {
	t.Parallel()

	feeds := ingest.NewRegistry(nil)
	if _, _, err := feeds.Register("lobby"); err != nil {
		t.Fatal(err)
	}
	s := NewServer(":0", feeds, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		streamID string
		want     srtgo.RejectReason
	}{
		{"", srtgo.RejPeer},
		{"live/lobby", srtgo.RejPeer},
		{"/lobby", srtgo.RejPeer},
		{"live/north", 0},
	}
	for _, tc := range tests {
		if got := s.admit(srtgo.ConnRequest{StreamID: tc.streamID}); got != tc.want {
			t.Errorf("admit(%q) = %v, want %v", tc.streamID, got, tc.want)
		}
	}
}

func TestDialRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := Dial(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}
