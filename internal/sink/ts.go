package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/zsiec/vidclock/internal/h264"
	"github.com/zsiec/vidclock/internal/media"
)

// TS muxes frames into an MPEG-TS file. PTS is carried relative to the
// first frame, since absolute Unix times overflow the 33-bit field.
type TS struct {
	log *slog.Logger

	mu     sync.Mutex
	c      io.Closer
	bw     *bufio.Writer
	mux    *mpegts.Writer
	track  *mpegts.Track
	closed bool

	origin  float64
	started bool
}

// NewTS returns a TS writer. If w is an io.Closer it is closed by Close.
func NewTS(w io.Writer, log *slog.Logger) *TS {
	if log == nil {
		log = slog.Default()
	}
	t := &TS{
		log:   log,
		bw:    bufio.NewWriter(w),
		track: &mpegts.Track{Codec: &mpegts.CodecH264{}},
	}
	if c, ok := w.(io.Closer); ok {
		t.c = c
	}
	return t
}

func (t *TS) WriteFrame(ctx context.Context, f media.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	if !t.started {
		t.mux = &mpegts.Writer{W: t.bw, Tracks: []*mpegts.Track{t.track}}
		if err := t.mux.Initialize(); err != nil {
			return fmt.Errorf("ts: initialize muxer: %w", err)
		}
		t.origin = f.PTS
		t.started = true
	}

	var au [][]byte
	for _, n := range h264.Split(f.Payload, false) {
		if len(n.Payload) > 0 {
			au = append(au, n.Payload)
		}
	}
	if len(au) == 0 {
		return nil
	}
	pts := int64(math.Round((f.PTS - t.origin) * 90000))
	if err := t.mux.WriteH264(t.track, pts, pts, au); err != nil {
		return fmt.Errorf("ts: write access unit: %w", err)
	}
	return nil
}

// Close flushes buffered packets and closes the underlying writer.
func (t *TS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	errs := []error{t.bw.Flush()}
	if t.c != nil {
		errs = append(errs, t.c.Close())
	}
	return errors.Join(errs...)
}
