package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asticode/go-astits"
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"golang.org/x/time/rate"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/timestamp"
)

// ErrNoVideo is returned when a container carries no H.264 track.
var ErrNoVideo = errors.New("source: no H.264 track")

// TS reads H.264 access units out of an MPEG-TS byte stream. It backs SRT
// feeds and .ts files.
type TS struct {
	name string
	log  *slog.Logger
	r    io.Reader
	c    io.Closer
	mode timestamp.Mode

	reader *mpegts.Reader
	unwrap *clock.Unwrapper
	queue  []media.Unit

	warnDecode rate.Sometimes
}

// NewTS returns a TS source reading from r. If r is also an io.Closer it
// is closed by Close, and a pending ReadUnit is unblocked by closing it on
// context cancellation.
func NewTS(name string, r io.Reader, mode timestamp.Mode, log *slog.Logger) *TS {
	if log == nil {
		log = slog.Default()
	}
	t := &TS{
		name:       name,
		log:        log.With("component", "ts-reader", "source", name),
		r:          r,
		mode:       mode,
		unwrap:     clock.NewUnwrapper(33),
		warnDecode: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	if c, ok := r.(io.Closer); ok {
		t.c = c
	}
	return t
}

// Open reads the program tables and selects the first H.264 track.
func (t *TS) Open(ctx context.Context) (Info, error) {
	stop := t.closeOnDone(ctx)
	defer stop()

	t.reader = &mpegts.Reader{R: t.r}
	if err := t.reader.Initialize(); err != nil {
		return Info{}, &media.SourceError{Source: t.name, Op: "read program tables", Err: err}
	}

	var track *mpegts.Track
	for _, tr := range t.reader.Tracks() {
		if _, ok := tr.Codec.(*mpegts.CodecH264); ok {
			track = tr
			break
		}
	}
	if track == nil {
		return Info{}, &media.SourceError{Source: t.name, Op: "find track", Err: ErrNoVideo}
	}

	t.reader.OnDecodeError(func(err error) {
		t.warnDecode.Do(func() {
			t.log.Warn("transport stream decode error", "error", err)
		})
	})
	t.reader.OnDataH264(track, t.onAccessUnit)

	return Info{Mode: t.mode, TimeBase: media.TimeBase90k}, nil
}

// onAccessUnit queues one access unit. DTS orders units in decode order,
// which is the order the timestamper consumes them in.
func (t *TS) onAccessUnit(_, dts int64, au [][]byte) error {
	data, err := mch264.AnnexB(au).Marshal()
	if err != nil {
		return fmt.Errorf("marshal access unit: %w", err)
	}
	t.queue = append(t.queue, media.Unit{
		Data:       data,
		MediaClock: t.unwrap.Unwrap(dts),
		HasClock:   true,
		TimeBase:   media.TimeBase90k,
	})
	return nil
}

// ReadUnit returns the next access unit, reading transport packets until
// one completes.
func (t *TS) ReadUnit(ctx context.Context) (media.Unit, error) {
	if t.reader == nil {
		return media.Unit{}, &media.SourceError{Source: t.name, Op: "read", Err: errors.New("not open")}
	}
	stop := t.closeOnDone(ctx)
	defer stop()

	for len(t.queue) == 0 {
		if err := ctx.Err(); err != nil {
			return media.Unit{}, err
		}
		if err := t.reader.Read(); err != nil {
			if endOfStream(err) {
				return media.Unit{}, io.EOF
			}
			if ctx.Err() != nil {
				return media.Unit{}, ctx.Err()
			}
			return media.Unit{}, &media.SourceError{Source: t.name, Op: "read", Err: err}
		}
	}
	u := t.queue[0]
	t.queue[0] = media.Unit{}
	t.queue = t.queue[1:]
	return u, nil
}

// endOfStream reports whether a read error means the input is exhausted
// or was closed under us.
func endOfStream(err error) bool {
	return errors.Is(err, astits.ErrNoMorePackets) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Close closes the underlying reader if it is closable.
func (t *TS) Close() error {
	if t.c == nil {
		return nil
	}
	return t.c.Close()
}

// closeOnDone arranges for the underlying reader to be closed if ctx ends
// while a blocking read is in progress.
func (t *TS) closeOnDone(ctx context.Context) func() bool {
	if t.c == nil || ctx.Done() == nil {
		return func() bool { return true }
	}
	return context.AfterFunc(ctx, func() { t.c.Close() })
}
