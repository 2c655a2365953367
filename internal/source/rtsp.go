package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/h264"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/stats"
	"github.com/zsiec/vidclock/internal/timestamp"
)

// rtspReadTimeout bounds the wait for RTP data before the session fails.
const rtspReadTimeout = 10 * time.Second

// RTSP reads H.264 from an RTSP camera. RTP timestamps become the media
// clock and RTCP sender reports feed the stream's clock anchor.
type RTSP struct {
	desc   Descriptor
	log    *slog.Logger
	events EventRecorder
	anchor *clock.Anchor

	units     chan media.Unit
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	client    *gortsplib.Client
	unwrap    *clock.Unwrapper
	clockRate int

	dec *rtph264.Decoder

	warnDecode rate.Sometimes
}

// NewRTSP returns an unopened RTSP source.
func NewRTSP(d Descriptor, opts Options) *RTSP {
	opts.defaults()
	return &RTSP{
		desc:       d,
		log:        opts.Log.With("component", "rtsp-source", "url", d.String()),
		events:     opts.Events,
		anchor:     clock.NewAnchor(opts.Clock),
		units:      make(chan media.Unit, media.UnitBufferSize),
		errc:       make(chan error, 1),
		done:       make(chan struct{}),
		unwrap:     clock.NewUnwrapper(32),
		clockRate:  90000,
		warnDecode: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Open connects, sets up the H.264 media and starts playback. With
// transport=auto, TCP is tried first and UDP second.
func (s *RTSP) Open(ctx context.Context) (Info, error) {
	u, err := base.ParseURL(s.desc.URL.String())
	if err != nil {
		return Info{}, &media.SourceError{Source: s.desc.String(), Op: "parse url", Err: err}
	}

	var transports []gortsplib.Transport
	switch s.desc.Transport {
	case "tcp":
		transports = []gortsplib.Transport{gortsplib.TransportTCP}
	case "udp":
		transports = []gortsplib.Transport{gortsplib.TransportUDP}
	default:
		transports = []gortsplib.Transport{gortsplib.TransportTCP, gortsplib.TransportUDP}
	}

	var errs []error
	for _, tr := range transports {
		info, err := s.connect(ctx, u, tr)
		if err == nil {
			return info, nil
		}
		s.log.Warn("RTSP connect failed", "transport", tr.String(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", tr, err))
		if ctx.Err() != nil {
			break
		}
	}
	return Info{}, &media.SourceError{Source: s.desc.String(), Op: "connect", Err: errors.Join(errs...)}
}

func (s *RTSP) connect(ctx context.Context, u *base.URL, tr gortsplib.Transport) (Info, error) {
	c := &gortsplib.Client{
		Transport:   &tr,
		ReadTimeout: rtspReadTimeout,
		OnDecodeError: func(err error) {
			s.warnDecode.Do(func() {
				s.log.Warn("RTP decode error", "error", err)
			})
		},
	}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return Info{}, err
	}
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	desc, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		return Info{}, fmt.Errorf("describe: %w", err)
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		c.Close()
		return Info{}, ErrNoVideo
	}
	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		c.Close()
		return Info{}, fmt.Errorf("setup: %w", err)
	}

	dec, err := forma.CreateDecoder()
	if err != nil {
		c.Close()
		return Info{}, fmt.Errorf("create decoder: %w", err)
	}
	s.setTrack(dec, forma.ClockRate())

	c.OnPacketRTP(medi, forma, s.onRTP)
	c.OnPacketRTCP(medi, s.onRTCP)

	if _, err := c.Play(nil); err != nil {
		c.Close()
		return Info{}, fmt.Errorf("play: %w", err)
	}

	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	go s.wait(c)

	s.log.Info("playing", "transport", tr.String(), "clock_rate", forma.ClockRate())

	info := Info{
		Mode:     timestamp.Realtime,
		TimeBase: media.Rational{Num: 1, Den: int64(forma.ClockRate())},
		Start:    s.desc.Start,
		Anchor:   s.anchor,
	}
	if len(forma.SPS) > 0 && len(forma.PPS) > 0 {
		info.Extradata = h264.FromPayloads([][]byte{forma.SPS, forma.PPS})
	}
	return info, nil
}

func (s *RTSP) setTrack(dec *rtph264.Decoder, clockRate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dec = dec
	s.clockRate = clockRate
}

// onRTP depacketizes one RTP packet; completed access units are queued.
func (s *RTSP) onRTP(pkt *rtp.Packet) {
	au, err := s.dec.Decode(pkt)
	if err != nil {
		if !errors.Is(err, rtph264.ErrMorePacketsNeeded) && !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) {
			s.warnDecode.Do(func() {
				s.log.Warn("H.264 depacketization failed", "error", err)
			})
		}
		return
	}
	data, err := mch264.AnnexB(au).Marshal()
	if err != nil {
		s.log.Debug("marshal access unit", "error", err)
		return
	}

	s.mu.Lock()
	mc := s.unwrap.Unwrap(int64(pkt.Timestamp))
	tb := media.Rational{Num: 1, Den: int64(s.clockRate)}
	s.mu.Unlock()

	s.deliver(media.Unit{Data: data, MediaClock: mc, HasClock: true, TimeBase: tb})
}

// onRTCP applies sender reports to the clock anchor.
func (s *RTSP) onRTCP(pkt rtcp.Packet) {
	sr, ok := pkt.(*rtcp.SenderReport)
	if !ok {
		return
	}

	s.mu.Lock()
	mc := s.unwrap.Peek(int64(sr.RTPTime))
	clockRate := s.clockRate
	s.mu.Unlock()

	sample := s.anchor.Update(clock.SenderReport{
		NTPTime:   sr.NTPTime,
		RTPTime:   sr.RTPTime,
		ClockRate: uint32(clockRate),
	}, mc)
	s.events.RecordClockEvent(stats.EventSenderReport)

	if sample.Generation == 1 {
		s.log.Info("clock anchor synchronized", "ntp_unix_ns", sample.NTPEpochNS, "rtp_time", sr.RTPTime)
	} else {
		s.log.Debug("sender report", "generation", sample.Generation, "ntp_unix_ns", sample.NTPEpochNS)
	}
}

func (s *RTSP) deliver(u media.Unit) {
	select {
	case s.units <- u:
	case <-s.done:
	}
}

func (s *RTSP) wait(c *gortsplib.Client) {
	err := c.Wait()
	select {
	case <-s.done:
		return
	default:
	}
	if err == nil {
		err = io.EOF
	}
	select {
	case s.errc <- err:
	default:
	}
}

// ReadUnit returns the next access unit. A failed RTSP session surfaces as
// a *media.SourceError after queued units are drained.
func (s *RTSP) ReadUnit(ctx context.Context) (media.Unit, error) {
	select {
	case u := <-s.units:
		return u, nil
	default:
	}
	select {
	case u := <-s.units:
		return u, nil
	case err := <-s.errc:
		if errors.Is(err, io.EOF) {
			return media.Unit{}, io.EOF
		}
		return media.Unit{}, &media.SourceError{Source: s.desc.String(), Op: "receive", Err: err}
	case <-s.done:
		return media.Unit{}, io.EOF
	case <-ctx.Done():
		return media.Unit{}, ctx.Err()
	}
}

// Close tears down the RTSP session. It is idempotent.
func (s *RTSP) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		c := s.client
		s.mu.Unlock()
		if c != nil {
			c.Close()
		}
	})
	return nil
}

// Anchor returns the clock anchor fed by this source's sender reports.
func (s *RTSP) Anchor() *clock.Anchor {
	return s.anchor
}
