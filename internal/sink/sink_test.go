package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/zsiec/vidclock/internal/h264"
	"github.com/zsiec/vidclock/internal/media"
)

var (
	// 1920x1080 constrained baseline.
	sps = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	pps  = []byte{0x68, 0xCE, 0x38, 0x80}
	idr  = []byte{0x65, 0x88, 0x84, 0x10}
	nidr = []byte{0x41, 0x9A, 0x02}
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gop returns a key frame followed by n-1 delta frames, 40 ms apart,
// starting at pts.
func gop(pts float64, n int) []media.Frame {
	frames := []media.Frame{{
		Payload:  h264.FromPayloads([][]byte{sps, pps, idr}),
		PTS:      pts,
		Duration: 0.04,
		Keyframe: true,
	}}
	for i := 1; i < n; i++ {
		frames = append(frames, media.Frame{
			Payload:  h264.FromPayloads([][]byte{nidr}),
			PTS:      pts + 0.04*float64(i),
			Duration: 0.04,
		})
	}
	return frames
}

type closeRecorder struct {
	bytes.Buffer
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

// boxes lists the top-level ISO BMFF box types in b.
func boxes(t *testing.T, b []byte) []string {
	t.Helper()
	var out []string
	for len(b) > 0 {
		if len(b) < 8 {
			t.Fatalf("truncated box header: %x", b)
		}
		size := int(binary.BigEndian.Uint32(b))
		if size < 8 || size > len(b) {
			t.Fatalf("bad box size %d with %d bytes left", size, len(b))
		}
		out = append(out, string(b[4:8]))
		b = b[size:]
	}
	return out
}

func TestAnnexBByteExact(t *testing.T) {
	t.Parallel()

	var out closeRecorder
	w := NewAnnexB(&out)
	var want []byte
	for _, f := range gop(1000, 3) {
		if err := w.WriteFrame(context.Background(), f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		want = append(want, f.Payload...)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("output differs from concatenated payloads")
	}
	if out.closed != 1 {
		t.Errorf("underlying writer closed %d times", out.closed)
	}
	if err := w.WriteFrame(context.Background(), gop(2000, 1)[0]); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after Close = %v, want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestFMP4FragmentPerGOP(t *testing.T) {
	t.Parallel()

	var out closeRecorder
	w := NewFMP4(&out, quiet())
	frames := append(gop(1_600_000_000, 3), gop(1_600_000_000.12, 2)...)
	for _, f := range frames {
		if err := w.WriteFrame(context.Background(), f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := boxes(t, out.Bytes())
	want := []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}
	if len(got) != len(want) {
		t.Fatalf("boxes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("boxes = %v, want %v", got, want)
		}
	}
	if out.closed != 1 {
		t.Errorf("underlying writer closed %d times", out.closed)
	}
}

func TestFMP4SkipsLeadingDeltaFrames(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	w := NewFMP4(&out, quiet())
	delta := gop(10, 2)[1]
	if err := w.WriteFrame(context.Background(), delta); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("wrote %d bytes before first key frame", out.Len())
	}
}

func TestFMP4RequiresParameterSets(t *testing.T) {
	t.Parallel()

	w := NewFMP4(&bytes.Buffer{}, quiet())
	f := media.Frame{Payload: h264.FromPayloads([][]byte{idr}), PTS: 1, Duration: 0.04, Keyframe: true}
	if err := w.WriteFrame(context.Background(), f); !errors.Is(err, ErrNoParameterSets) {
		t.Fatalf("WriteFrame = %v, want ErrNoParameterSets", err)
	}
}

func TestTSRoundTrip(t *testing.T) {
	t.Parallel()

	var out closeRecorder
	w := NewTS(&out, quiet())
	for _, f := range gop(1_600_000_000, 4) {
		if err := w.WriteFrame(context.Background(), f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := &mpegts.Reader{R: bytes.NewReader(out.Bytes())}
	if err := r.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tracks := r.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(tracks))
	}
	var pts []int64
	r.OnDataH264(tracks[0], func(p, _ int64, _ [][]byte) error {
		pts = append(pts, p)
		return nil
	})
	for {
		if err := r.Read(); err != nil {
			break
		}
	}
	if len(pts) != 4 {
		t.Fatalf("access units = %d, want 4", len(pts))
	}
	for i := 1; i < len(pts); i++ {
		if d := pts[i] - pts[i-1]; d != 3600 {
			t.Errorf("unit %d: pts delta %d, want 3600", i, d)
		}
	}
}

func TestMultiFansOut(t *testing.T) {
	t.Parallel()

	var a, b closeRecorder
	m := NewMulti(NewAnnexB(&a), NewAnnexB(&b), Discard{})
	f := gop(5, 1)[0]
	if err := m.WriteFrame(context.Background(), f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bytes.Equal(a.Bytes(), f.Payload) || !bytes.Equal(b.Bytes(), f.Payload) {
		t.Error("frame not written to every sink")
	}
	if a.closed != 1 || b.closed != 1 {
		t.Errorf("closed = %d, %d", a.closed, b.closed)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()

	closed := NewAnnexB(&bytes.Buffer{})
	closed.Close()
	var ok bytes.Buffer
	m := NewMulti(closed, NewAnnexB(&ok))
	f := gop(5, 1)[0]
	if err := m.WriteFrame(context.Background(), f); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteFrame = %v, want ErrClosed", err)
	}
	if !bytes.Equal(ok.Bytes(), f.Payload) {
		t.Error("healthy sink skipped after sibling failure")
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := Create("fmp4, annexb", dir, "lobby", quiet())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := w.(*Multi); !ok {
		t.Fatalf("Create with two kinds = %T, want *Multi", w)
	}
	for _, f := range gop(100, 2) {
		if err := w.WriteFrame(context.Background(), f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, name := range []string{"lobby.mp4", "lobby.h264"} {
		st, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if st.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	if w, err := Create("discard", dir, "x", quiet()); err != nil {
		t.Errorf("Create(discard) = %v", err)
	} else if _, ok := w.(Discard); !ok {
		t.Errorf("Create(discard) = %T", w)
	}

	for _, kinds := range []string{"", "mkv", "annexb,mkv"} {
		if _, err := Create(kinds, dir, "bad", quiet()); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("Create(%q) = %v, want ErrUnknownKind", kinds, err)
		}
	}
}

func TestWriteFrameHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, w := range []Writer{NewAnnexB(&bytes.Buffer{}), NewFMP4(&bytes.Buffer{}, quiet()), NewTS(&bytes.Buffer{}, quiet())} {
		if err := w.WriteFrame(ctx, gop(1, 1)[0]); !errors.Is(err, context.Canceled) {
			t.Errorf("%T.WriteFrame = %v, want canceled", w, err)
		}
	}
}
