package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/vidclock/internal/ingest"
	srtingest "github.com/zsiec/vidclock/internal/ingest/srt"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/timestamp"
)

// SRT pulls MPEG-TS from a remote SRT listener in caller mode. SRT carries
// no sender reports, so frames are timed from PTS against the wall clock.
type SRT struct {
	desc Descriptor
	log  *slog.Logger

	mu sync.Mutex
	ts *TS
}

// NewSRT returns an unopened SRT caller source.
func NewSRT(d Descriptor, opts Options) *SRT {
	opts.defaults()
	return &SRT{
		desc: d,
		log:  opts.Log.With("component", "srt-source", "address", d.URL.Host),
	}
}

// Open dials the listener and reads the program tables.
func (s *SRT) Open(ctx context.Context) (Info, error) {
	conn, err := srtingest.Dial(ctx, s.desc.URL.Host, s.desc.StreamID)
	if err != nil {
		return Info{}, &media.SourceError{Source: s.desc.String(), Op: "dial", Err: err}
	}
	s.log.Info("connected", "stream_id", s.desc.StreamID)

	ts := NewTS(s.desc.String(), conn, timestamp.Realtime, s.log)
	s.mu.Lock()
	s.ts = ts
	s.mu.Unlock()

	info, err := ts.Open(ctx)
	if err != nil {
		conn.Close()
		return Info{}, err
	}
	info.Start = s.desc.Start
	return info, nil
}

// ReadUnit returns the next access unit.
func (s *SRT) ReadUnit(ctx context.Context) (media.Unit, error) {
	s.mu.Lock()
	ts := s.ts
	s.mu.Unlock()
	if ts == nil {
		return media.Unit{}, &media.SourceError{Source: s.desc.String(), Op: "read", Err: errors.New("not open")}
	}
	return ts.ReadUnit(ctx)
}

// Close closes the connection.
func (s *SRT) Close() error {
	s.mu.Lock()
	ts := s.ts
	s.mu.Unlock()
	if ts == nil {
		return nil
	}
	return ts.Close()
}

// NewFeed returns a source over a feed published to the SRT listener.
func NewFeed(f *ingest.Feed, log *slog.Logger) *TS {
	return NewTS("srt:"+f.Key, f, timestamp.Realtime, log)
}
