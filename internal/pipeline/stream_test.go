package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/cpd"
	"github.com/zsiec/vidclock/internal/h264"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/session"
	"github.com/zsiec/vidclock/internal/stats"
	"github.com/zsiec/vidclock/internal/timestamp"
)

const epoch = 1_600_000_000

var (
	spsA = []byte{0x67, 0x42, 0xC0, 0x1E, 0xAA}
	spsB = []byte{0x67, 0x42, 0xC0, 0x1F, 0xBB}
	ppsA = []byte{0x68, 0xCE, 0x38, 0x80}
	idr  = []byte{0x65, 0x88, 0x84, 0x10}
	nidr = []byte{0x41, 0x9A, 0x02}
)

func annexB(payloads ...[]byte) []byte {
	return h264.FromPayloads(payloads)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-5
}

// sliceSource yields its units in order, then io.EOF. before, if set, runs
// ahead of returning unit i.
type sliceSource struct {
	units  []media.Unit
	i      int
	before func(i int)
	closed bool
}

func (s *sliceSource) ReadUnit(ctx context.Context) (media.Unit, error) {
	if err := ctx.Err(); err != nil {
		return media.Unit{}, err
	}
	if s.i >= len(s.units) {
		return media.Unit{}, io.EOF
	}
	if s.before != nil {
		s.before(s.i)
	}
	u := s.units[s.i]
	s.i++
	return u, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// blockingSource never produces a unit.
type blockingSource struct {
	entered chan struct{}
}

func (b *blockingSource) ReadUnit(ctx context.Context) (media.Unit, error) {
	close(b.entered)
	<-ctx.Done()
	return media.Unit{}, ctx.Err()
}

func clocked(data []byte, mc int64) media.Unit {
	return media.Unit{Data: data, MediaClock: mc, HasClock: true, TimeBase: media.TimeBase90k}
}

func readAll(t *testing.T, s *Stream) []media.Frame {
	t.Helper()
	var out []media.Frame
	for {
		f, err := s.Read(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		out = append(out, f)
		if len(out) > 1000 {
			t.Fatal("stream did not terminate")
		}
	}
}

func TestStreamAnchoredRealtime(t *testing.T) {
	t.Parallel()

	wall := clock.NewFake(time.Unix(epoch, 0))
	anchor := clock.NewAnchor(wall)
	anchor.Update(clock.SenderReport{NTPTime: uint64(epoch+2208988800) << 32, ClockRate: 90000}, 1000)

	src := &sliceSource{}
	for i := 0; i < 5; i++ {
		src.units = append(src.units, clocked(annexB(idr), 1000+int64(i)*3600))
	}

	s, err := NewStream(src, StreamConfig{
		Mode:          timestamp.Realtime,
		Extradata:     annexB(spsA, ppsA),
		Adaptive:      true,
		RequireAnchor: true,
		Anchor:        anchor,
		Clock:         wall,
		Log:           quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}

	frames := readAll(t, s)
	want := []float64{1600000000.000, 1600000000.040, 1600000000.080, 1600000000.120, 1600000000.160}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, w := range want {
		if !near(frames[i].PTS, w) {
			t.Errorf("frame %d: pts %.6f, want %.6f", i, frames[i].PTS, w)
		}
		if !near(frames[i].Duration, 0.04) {
			t.Errorf("frame %d: duration %.6f, want 0.04", i, frames[i].Duration)
		}
		if !frames[i].Keyframe {
			t.Errorf("frame %d: expected keyframe", i)
		}
	}
	if !bytes.Equal(frames[0].Payload, annexB(spsA, ppsA, idr)) {
		t.Errorf("frame 0 payload = %x", frames[0].Payload)
	}
	if !bytes.Equal(frames[1].Payload, annexB(idr)) {
		t.Errorf("frame 1 payload = %x", frames[1].Payload)
	}

	snap := s.Snapshot()
	if snap.Phase != session.Closed.String() {
		t.Errorf("phase = %s, want closed", snap.Phase)
	}
	if snap.Sync != session.Synced.String() {
		t.Errorf("sync = %s, want synced", snap.Sync)
	}

	// Reads after end of stream keep returning io.EOF.
	if _, err := s.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Read after EOS = %v, want io.EOF", err)
	}
}

func TestStreamColdStart(t *testing.T) {
	t.Parallel()

	wall := clock.NewFake(time.Unix(epoch, 0))
	col := stats.New("test-coldstart")
	src := &sliceSource{units: []media.Unit{
		clocked(annexB(nidr), 0),
		clocked(annexB(nidr), 3600),
		clocked(annexB(spsA, ppsA, idr), 7200),
		clocked(annexB(nidr), 10800),
	}}

	s, err := NewStream(src, StreamConfig{Mode: timestamp.Realtime, Clock: wall, Stats: col, Log: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	frames := readAll(t, s)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !near(frames[0].PTS, epoch) {
		t.Errorf("frame 0 pts = %.6f, want session start %d", frames[0].PTS, epoch)
	}
	if !frames[0].Keyframe || frames[1].Keyframe {
		t.Errorf("keyframes = %v, %v", frames[0].Keyframe, frames[1].Keyframe)
	}
	if !near(frames[1].PTS, epoch+0.04) {
		t.Errorf("frame 1 pts = %.6f", frames[1].PTS)
	}
	if got := col.Snapshot().Discards.ColdStart; got != 2 {
		t.Errorf("cold start discards = %d, want 2", got)
	}
}

func TestStreamBitstreamCanonicalCPD(t *testing.T) {
	t.Parallel()

	src := &sliceSource{units: []media.Unit{
		clocked(annexB(spsB, ppsA, idr), 0),
		clocked(annexB(nidr), 3600),
	}}
	col := stats.New("test-cpd")
	s, err := NewStream(src, StreamConfig{
		Mode:      timestamp.Realtime,
		Policy:    cpd.BitstreamCanonical,
		Extradata: annexB(spsA, ppsA),
		Clock:     clock.NewFake(time.Unix(epoch, 0)),
		Stats:     col,
		Log:       quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}
	frames := readAll(t, s)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if want := annexB(spsB, ppsA, idr); !bytes.Equal(frames[0].Payload, want) {
		t.Errorf("frame 0 payload = %x, want %x", frames[0].Payload, want)
	}
	if want := annexB(nidr); !bytes.Equal(frames[1].Payload, want) {
		t.Errorf("frame 1 payload = %x, want %x", frames[1].Payload, want)
	}
	c := col.Snapshot().CPD
	if c.Changes != 1 || c.Mismatches != 1 || c.Duplicates != 1 {
		t.Errorf("cpd stats = %+v", c)
	}
}

func TestStreamWithholdsUntilSenderReport(t *testing.T) {
	t.Parallel()

	wall := clock.NewFake(time.Unix(epoch, 0))
	anchor := clock.NewAnchor(wall)
	col := stats.New("test-unsynced")
	src := &sliceSource{
		units: []media.Unit{
			clocked(annexB(idr), 0),
			clocked(annexB(idr), 3600),
			clocked(annexB(idr), 7200),
		},
		before: func(i int) {
			if i == 1 {
				anchor.Update(clock.SenderReport{NTPTime: uint64(epoch+2208988800) << 32, ClockRate: 90000}, 3600)
			}
		},
	}
	s, err := NewStream(src, StreamConfig{
		Mode:          timestamp.Realtime,
		RequireAnchor: true,
		Anchor:        anchor,
		Clock:         wall,
		Stats:         col,
		Log:           quiet(),
	})
	if err != nil {
		t.Fatal(err)
	}
	frames := readAll(t, s)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !near(frames[0].PTS, epoch) || !near(frames[1].PTS, epoch+0.04) {
		t.Errorf("pts = %.6f, %.6f", frames[0].PTS, frames[1].PTS)
	}
	if got := col.Snapshot().Discards.Unsynced; got != 1 {
		t.Errorf("unsynced discards = %d, want 1", got)
	}
}

func TestStreamDropsMalformedUnits(t *testing.T) {
	t.Parallel()

	col := stats.New("test-malformed")
	src := &sliceSource{units: []media.Unit{
		clocked(annexB(spsA, ppsA, idr), 0),
		clocked(append([]byte{0xDE, 0xAD}, annexB(nidr)...), 3600),
		clocked(annexB(nidr), 7200),
	}}
	s, err := NewStream(src, StreamConfig{Mode: timestamp.Realtime, Clock: clock.NewFake(time.Unix(epoch, 0)), Stats: col, Log: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	frames := readAll(t, s)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !near(frames[0].Duration, 0.08) {
		t.Errorf("frame 0 duration = %.6f, want 0.08 across the dropped unit", frames[0].Duration)
	}
	if got := col.Snapshot().Discards.Malformed; got != 1 {
		t.Errorf("malformed discards = %d, want 1", got)
	}
}

func TestStreamFileLoopPacing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		unpaced bool
		slept   time.Duration
	}{
		{"paced", false, 120 * time.Millisecond},
		{"unpaced", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wall := clock.NewFake(time.Unix(epoch, 0))
			src := &sliceSource{units: []media.Unit{
				{Data: annexB(spsA, ppsA, idr)},
				{Data: annexB(nidr)},
				{Data: annexB(nidr)},
			}}
			s, err := NewStream(src, StreamConfig{
				Mode:    timestamp.FileLoop,
				FPS:     25,
				Unpaced: tt.unpaced,
				Clock:   wall,
				Log:     quiet(),
			})
			if err != nil {
				t.Fatal(err)
			}
			frames := readAll(t, s)
			if len(frames) != 3 {
				t.Fatalf("got %d frames, want 3", len(frames))
			}
			for i, f := range frames {
				if !near(f.PTS, epoch+0.04*float64(i)) {
					t.Errorf("frame %d: pts %.6f", i, f.PTS)
				}
			}
			if d := wall.Slept() - tt.slept; d < -3*time.Millisecond || d > 3*time.Millisecond {
				t.Errorf("slept %v, want ~%v", wall.Slept(), tt.slept)
			}
		})
	}
}

func TestStreamSourceErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s, err := NewStream(readerFunc(func(context.Context) (media.Unit, error) {
		return media.Unit{}, boom
	}), StreamConfig{Log: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Read = %v, want boom", err)
	}
}

func TestStreamBadExtradata(t *testing.T) {
	t.Parallel()
	_, err := NewStream(&sliceSource{}, StreamConfig{Extradata: []byte{0xFF, 0xFF}, Log: quiet()})
	if err == nil {
		t.Fatal("expected extradata error")
	}
}

func TestStreamCloseDuringRead(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &blockingSource{entered: make(chan struct{})}
	s, err := NewStream(src, StreamConfig{Log: quiet()})
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background())
		errc <- err
	}()

	<-src.entered
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, io.EOF) {
			t.Errorf("Read = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
	if got := s.Snapshot().Phase; got != session.Closed.String() {
		t.Errorf("phase = %s, want closed", got)
	}
}

func TestStreamCloseClosesSource(t *testing.T) {
	t.Parallel()
	src := &sliceSource{}
	s, err := NewStream(src, StreamConfig{Log: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	if !src.closed {
		t.Error("source not closed")
	}
	if _, err := s.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Read after Close = %v, want io.EOF", err)
	}
}

type readerFunc func(ctx context.Context) (media.Unit, error)

func (f readerFunc) ReadUnit(ctx context.Context) (media.Unit, error) { return f(ctx) }
