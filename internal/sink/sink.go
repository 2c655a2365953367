// Package sink writes timestamped frames to their destination: raw
// Annex-B, fragmented MP4 or MPEG-TS files, or several of them at once.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zsiec/vidclock/internal/media"
)

// Supported sink kinds.
const (
	KindAnnexB  = "annexb"
	KindFMP4    = "fmp4"
	KindTS      = "ts"
	KindDiscard = "discard"
)

// ErrUnknownKind is returned by Create for a kind it does not know.
var ErrUnknownKind = errors.New("sink: unknown kind")

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("sink: closed")

// Writer consumes frames in presentation order.
type Writer interface {
	WriteFrame(ctx context.Context, f media.Frame) error
	Close() error
}

var extensions = map[string]string{
	KindAnnexB: ".h264",
	KindFMP4:   ".mp4",
	KindTS:     ".ts",
}

// Create opens one file per kind under dir, named after the stream. kinds
// is a comma separated list such as "fmp4,annexb". More than one kind
// yields a Multi.
func Create(kinds, dir, name string, log *slog.Logger) (Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	var writers []Writer
	fail := func(err error) (Writer, error) {
		for _, w := range writers {
			w.Close()
		}
		return nil, err
	}

	for _, kind := range strings.Split(kinds, ",") {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			continue
		}
		if kind == KindDiscard {
			writers = append(writers, Discard{})
			continue
		}
		ext, ok := extensions[kind]
		if !ok {
			return fail(fmt.Errorf("%w: %q", ErrUnknownKind, kind))
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(fmt.Errorf("create output dir: %w", err))
		}
		path := filepath.Join(dir, name+ext)
		f, err := os.Create(path)
		if err != nil {
			return fail(fmt.Errorf("create %s sink: %w", kind, err))
		}
		l := log.With("sink", kind, "path", path)
		switch kind {
		case KindAnnexB:
			writers = append(writers, NewAnnexB(f))
		case KindFMP4:
			writers = append(writers, NewFMP4(f, l))
		case KindTS:
			writers = append(writers, NewTS(f, l))
		}
		l.Info("sink opened")
	}

	switch len(writers) {
	case 0:
		return nil, fmt.Errorf("%w: empty", ErrUnknownKind)
	case 1:
		return writers[0], nil
	default:
		return NewMulti(writers...), nil
	}
}

// Multi fans frames out to several writers.
type Multi struct {
	writers []Writer
}

// NewMulti returns a Multi writing to ws in order.
func NewMulti(ws ...Writer) *Multi {
	return &Multi{writers: ws}
}

// WriteFrame writes f to every writer. A failing writer does not stop the
// others; the errors are joined.
func (m *Multi) WriteFrame(ctx context.Context, f media.Frame) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.WriteFrame(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer.
func (m *Multi) Close() error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every frame.
type Discard struct{}

func (Discard) WriteFrame(context.Context, media.Frame) error { return nil }
func (Discard) Close() error                                  { return nil }
