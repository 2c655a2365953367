package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zsiec/vidclock/internal/h264"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/timestamp"
)

// File plays a local recording: MPEG-TS through the TS reader, or a raw
// Annex-B elementary stream split into access units. File sources are
// paced at the nominal frame rate; looping is done by reopening.
type File struct {
	desc Descriptor
	log  *slog.Logger

	f  *os.File
	ts *TS
	au *h264.AccessUnitReader
}

// NewFile returns an unopened file source.
func NewFile(d Descriptor, opts Options) *File {
	opts.defaults()
	return &File{
		desc: d,
		log:  opts.Log.With("component", "file-source", "path", d.Path),
	}
}

// Open opens the file and reads its headers.
func (s *File) Open(ctx context.Context) (Info, error) {
	f, err := os.Open(s.desc.Path)
	if err != nil {
		return Info{}, &media.SourceError{Source: s.desc.Path, Op: "open", Err: err}
	}
	s.f = f

	info := Info{Mode: timestamp.FileLoop, TimeBase: media.TimeBase90k}
	switch strings.ToLower(filepath.Ext(s.desc.Path)) {
	case ".ts", ".m2ts", ".mts":
		s.ts = NewTS(s.desc.Path, f, timestamp.FileLoop, s.log)
		if info, err = s.ts.Open(ctx); err != nil {
			f.Close()
			return Info{}, err
		}
	default:
		s.au = h264.NewAccessUnitReader(f)
	}
	info.Start = s.desc.Start
	s.log.Info("file opened", "loop", s.desc.Loop)
	return info, nil
}

// ReadUnit returns the next access unit, or io.EOF at end of file.
func (s *File) ReadUnit(ctx context.Context) (media.Unit, error) {
	if s.ts != nil {
		return s.ts.ReadUnit(ctx)
	}
	if s.au == nil {
		return media.Unit{}, &media.SourceError{Source: s.desc.Path, Op: "read", Err: errors.New("not open")}
	}
	if err := ctx.Err(); err != nil {
		return media.Unit{}, err
	}
	data, key, err := s.au.Next()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return media.Unit{}, io.EOF
		}
		return media.Unit{}, &media.SourceError{Source: s.desc.Path, Op: "read", Err: err}
	}
	return media.Unit{Data: data, Keyframe: key}, nil
}

// Close closes the file.
func (s *File) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
