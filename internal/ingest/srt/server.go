package srt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vidclock/internal/ingest"
)

// DefaultLatency is the receiver latency negotiated with publishers.
const DefaultLatency = 120 * time.Millisecond

// Server is the SRT listener. Each accepted publish connection becomes an
// ingest feed named after its stream ID.
type Server struct {
	Addr    string
	Latency time.Duration

	feeds *ingest.Registry
	log   *slog.Logger
}

// NewServer returns a listener for addr that publishes into feeds. If log is
// nil, slog.Default() is used.
func NewServer(addr string, feeds *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Addr:    addr,
		Latency: DefaultLatency,
		feeds:   feeds,
		log:     log.With("component", "srt-listener"),
	}
}

// Start listens and serves publishers until ctx is cancelled, which is
// not an error.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = s.Latency

	l, err := srtgo.Listen(s.Addr, cfg)
	if err != nil {
		return fmt.Errorf("srt listen %s: %w", s.Addr, err)
	}
	l.SetAcceptRejectFunc(s.admit)
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	s.log.Info("listening", "addr", s.Addr, "latency", s.Latency)
	for {
		conn, err := l.Accept()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.serve(ctx, conn)
	}
}

// admit rejects handshakes without a stream ID and publishers whose feed
// is already live, before any data is accepted.
func (s *Server) admit(req srtgo.ConnRequest) srtgo.RejectReason {
	if req.StreamID == "" {
		return srtgo.RejPeer
	}
	if _, live := s.feeds.Get(FeedKey(req.StreamID)); live {
		return srtgo.RejPeer
	}
	return 0
}

func (s *Server) serve(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	key := FeedKey(conn.StreamID())
	log := s.log.With("feed", key, "remote", conn.RemoteAddr())
	log.Info("publisher connected")

	st, err := s.feeds.Publish(ctx, key, conn.RemoteAddr().String(), conn)
	if err != nil {
		log.Warn("publisher dropped", "error", err, "bytes", st.BytesReceived)
		return
	}
	log.Info("publisher finished", "bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
}

// FeedKey maps an SRT stream ID to a feed key. Leading "/" and "live/" are
// dropped; an empty ID maps to "default".
func FeedKey(streamID string) string {
	key := strings.TrimPrefix(strings.TrimPrefix(streamID, "/"), "live/")
	if key == "" {
		return "default"
	}
	return key
}
