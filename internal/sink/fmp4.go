package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/vidclock/internal/h264"
	"github.com/zsiec/vidclock/internal/media"
)

const (
	fmp4TrackID   = 1
	fmp4TimeScale = 90000
)

// ErrNoParameterSets is returned when the first key frame carries no SPS
// and PPS, so no init segment can be built.
var ErrNoParameterSets = errors.New("sink: key frame without SPS/PPS")

// FMP4 writes fragmented MP4: an init segment built from the parameter
// sets of the first key frame, then one fragment per GOP. Decode times
// are the absolute frame PTS at 90 kHz.
type FMP4 struct {
	log *slog.Logger

	mu      sync.Mutex
	w       io.Writer
	initSet bool
	closed  bool
	seq     uint32

	baseTime uint64
	samples  []*fmp4.Sample
	parts    int
}

// NewFMP4 returns an FMP4 writer. If w is an io.Closer it is closed by
// Close.
func NewFMP4(w io.Writer, log *slog.Logger) *FMP4 {
	if log == nil {
		log = slog.Default()
	}
	return &FMP4{log: log, w: w, seq: 1}
}

func (m *FMP4) WriteFrame(ctx context.Context, f media.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	nalus := h264.Split(f.Payload, false)
	if !m.initSet {
		if !f.Keyframe {
			m.log.Debug("dropping frame before first key frame", "pts", f.PTS)
			return nil
		}
		if err := m.writeInit(nalus); err != nil {
			return err
		}
	}

	if f.Keyframe && len(m.samples) > 0 {
		if err := m.flush(); err != nil {
			return err
		}
	}

	payloads := make([][]byte, 0, len(nalus))
	for _, n := range nalus {
		if n.Type == h264.KindAUD || len(n.Payload) == 0 {
			continue
		}
		payloads = append(payloads, n.Payload)
	}
	sample, err := mch264.AVCC(payloads).Marshal()
	if err != nil {
		return fmt.Errorf("fmp4: convert to AVCC: %w", err)
	}

	start := ticks90k(f.PTS)
	if len(m.samples) == 0 {
		m.baseTime = start
	}
	dur := ticks90k(f.End()) - start
	m.samples = append(m.samples, &fmp4.Sample{
		Duration:        uint32(dur),
		IsNonSyncSample: !f.Keyframe,
		Payload:         sample,
	})
	return nil
}

// writeInit emits the init segment from the SPS and PPS in the first key
// frame.
func (m *FMP4) writeInit(nalus []h264.NALU) error {
	var sps, pps []byte
	for _, n := range nalus {
		switch {
		case n.Type == h264.KindSPS && sps == nil:
			sps = n.Payload
		case n.Type == h264.KindPPS && pps == nil:
			pps = n.Payload
		}
	}
	if sps == nil || pps == nil {
		return ErrNoParameterSets
	}

	seg := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        fmp4TrackID,
			TimeScale: fmp4TimeScale,
			Codec: &mp4.CodecH264{
				SPS: append([]byte(nil), sps...),
				PPS: append([]byte(nil), pps...),
			},
		}},
	}
	var buf seekablebuffer.Buffer
	if err := seg.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4: marshal init segment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("fmp4: write init segment: %w", err)
	}
	m.initSet = true
	m.log.Debug("init segment written", "size", len(buf.Bytes()))
	return nil
}

// flush writes the buffered GOP as one fragment.
func (m *FMP4) flush() error {
	part := &fmp4.Part{
		SequenceNumber: m.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       fmp4TrackID,
			BaseTime: m.baseTime,
			Samples:  m.samples,
		}},
	}
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("fmp4: marshal fragment: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("fmp4: write fragment: %w", err)
	}
	m.seq++
	m.parts++
	m.samples = nil
	return nil
}

// Close writes the pending GOP and closes the underlying writer.
func (m *FMP4) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if len(m.samples) > 0 {
		errs = append(errs, m.flush())
	}
	if c, ok := m.w.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	m.log.Debug("fmp4 sink closed", "fragments", m.parts)
	return errors.Join(errs...)
}

func ticks90k(sec float64) uint64 {
	if sec <= 0 {
		return 0
	}
	return uint64(math.Round(sec * fmp4TimeScale))
}
