package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/timestamp"
)

type memSink struct {
	mu     sync.Mutex
	frames []media.Frame
	closed bool
	err    error
}

func (m *memSink) WriteFrame(_ context.Context, f media.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func fileOpener(wall clock.Clock, useStart bool) Opener {
	return func(_ context.Context, start time.Time) (*Stream, error) {
		src := &sliceSource{units: []media.Unit{
			{Data: annexB(spsA, ppsA, idr)},
			{Data: annexB(nidr)},
		}}
		cfg := StreamConfig{Mode: timestamp.FileLoop, FPS: 25, Clock: wall, Log: quiet()}
		if useStart {
			cfg.Start = start
		}
		return NewStream(src, cfg)
	}
}

func TestPipelineRunToEOS(t *testing.T) {
	t.Parallel()

	wall := clock.NewFake(time.Unix(epoch, 0))
	sink := &memSink{}
	p := New(Config{Key: "eos", Source: "file", Open: fileOpener(wall, true), Sink: sink, Clock: wall, Log: quiet()})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(sink.frames))
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	st := p.Status()
	if st.Running || st.Frames != 2 || st.Restarts != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.Session == nil || st.Session.Phase != "closed" {
		t.Errorf("session = %+v", st.Session)
	}
}

func TestPipelineLoopWithDurationLimit(t *testing.T) {
	t.Parallel()

	wall := clock.NewFake(time.Unix(epoch, 0))
	sink := &memSink{}
	p := New(Config{
		Key:      "loop",
		Source:   "file",
		Open:     fileOpener(wall, true),
		Sink:     sink,
		Loop:     true,
		Duration: 200 * time.Millisecond,
		Clock:    wall,
		Log:      quiet(),
	})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(sink.frames); n < 5 || n > 6 {
		t.Fatalf("frames = %d, want 5 or 6", n)
	}
	for i := 1; i < len(sink.frames); i++ {
		if !near(sink.frames[i].PTS, sink.frames[i-1].End()) {
			t.Errorf("frame %d: pts %.6f, want %.6f", i, sink.frames[i].PTS, sink.frames[i-1].End())
		}
	}
	if got := p.Status().Restarts; got < 2 {
		t.Errorf("restarts = %d, want >= 2", got)
	}
}

func TestPipelineClampsAcrossRestart(t *testing.T) {
	t.Parallel()

	wall := clock.NewFake(time.Unix(epoch, 0))
	opens := 0
	open := func(ctx context.Context, start time.Time) (*Stream, error) {
		opens++
		if opens > 2 {
			return nil, errors.New("no more")
		}
		src := &sliceSource{units: []media.Unit{
			clocked(annexB(spsA, ppsA, idr), 0),
			clocked(annexB(nidr), 3600),
		}}
		// Ignores start, so the second session begins at the same wall time.
		return NewStream(src, StreamConfig{Mode: timestamp.Realtime, Clock: wall, Log: quiet()})
	}
	sink := &memSink{}
	p := New(Config{Key: "clamp", Open: open, Sink: sink, Loop: true, Clock: wall, Log: quiet()})

	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected reopen error")
	}
	if len(sink.frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(sink.frames))
	}
	for i := 1; i < len(sink.frames); i++ {
		if sink.frames[i].PTS < sink.frames[i-1].End()-1e-9 {
			t.Errorf("frame %d: pts %.6f before previous end %.6f", i, sink.frames[i].PTS, sink.frames[i-1].End())
		}
	}
	if got := p.Status().Clamped; got != 2 {
		t.Errorf("clamped = %d, want 2", got)
	}
}

func TestPipelineSinkError(t *testing.T) {
	t.Parallel()

	wall := clock.NewFake(time.Unix(epoch, 0))
	boom := errors.New("sink full")
	sink := &memSink{err: boom}
	p := New(Config{Key: "err", Open: fileOpener(wall, false), Sink: sink, Clock: wall, Log: quiet()})

	if err := p.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want sink error", err)
	}
	if !sink.closed {
		t.Error("sink not closed after error")
	}
}

func TestPipelineCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	open := func(context.Context, time.Time) (*Stream, error) {
		return NewStream(&blockingSource{entered: make(chan struct{})}, StreamConfig{Log: quiet()})
	}
	p := New(Config{Key: "cancel", Open: open, Sink: &memSink{}, Log: quiet()})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !p.Status().Running && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPipelineOpenError(t *testing.T) {
	t.Parallel()

	open := func(context.Context, time.Time) (*Stream, error) {
		return nil, errors.New("unreachable")
	}
	sink := &memSink{}
	p := New(Config{Key: "open", Open: open, Sink: sink, Log: quiet()})
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected open error")
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestPipelineLoopStopsWhenNothingEmitted(t *testing.T) {
	t.Parallel()

	wall := clock.NewFake(time.Unix(epoch, 0))
	tests := []struct {
		name  string
		units []media.Unit
	}{
		{"empty", nil},
		{"no keyframe", []media.Unit{{Data: annexB(nidr)}, {Data: annexB(nidr)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opens := 0
			open := func(context.Context, time.Time) (*Stream, error) {
				opens++
				src := &sliceSource{units: append([]media.Unit(nil), tt.units...)}
				return NewStream(src, StreamConfig{Mode: timestamp.FileLoop, FPS: 25, Clock: wall, Log: quiet()})
			}
			sink := &memSink{}
			p := New(Config{Key: "idle", Open: open, Sink: sink, Loop: true, Clock: wall, Log: quiet()})

			if err := p.Run(context.Background()); !errors.Is(err, ErrNoFrames) {
				t.Fatalf("Run = %v, want ErrNoFrames", err)
			}
			if opens != 1 {
				t.Errorf("opens = %d, want 1", opens)
			}
			if !sink.closed {
				t.Error("sink not closed")
			}
		})
	}
}
