// Package api serves the HTTP status and control API: stream listing and
// stats, stream start and stop, listener feeds, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/vidclock/internal/config"
	"github.com/zsiec/vidclock/internal/ingest"
	"github.com/zsiec/vidclock/internal/stream"
)

// maxBodyBytes bounds stream creation request bodies.
const maxBodyBytes = 64 << 10

// Streams is the part of the stream manager the API needs.
type Streams interface {
	List() []*stream.Stream
	Get(key string) (*stream.Stream, bool)
	Remove(key string) bool
}

// Feeds lists the feeds currently published to the SRT listener.
type Feeds interface {
	List() []ingest.FeedStats
}

// StartFunc starts a stream from its configuration.
type StartFunc func(ctx context.Context, cfg config.Stream) (*stream.Stream, error)

// Config configures a Server.
type Config struct {
	Streams Streams
	// Feeds is optional; nil serves an empty list.
	Feeds Feeds
	// Start is optional; nil disables POST /api/streams.
	Start   StartFunc
	Version string
	Log     *slog.Logger
}

// Server holds the API handlers.
type Server struct {
	cfg     Config
	log     *slog.Logger
	started time.Time
}

// NewServer returns an API server. If cfg.Log is nil, slog.Default() is used.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Log.With("component", "api"),
		started: time.Now(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/streams", s.handleListStreams)
		r.Post("/streams", s.handleCreateStream)
		r.Get("/streams/{name}", s.handleGetStream)
		r.Delete("/streams/{name}", s.handleDeleteStream)
		r.Get("/feeds", s.handleListFeeds)
	})
	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Streams  int    `json:"streams"`
	UptimeMs int64  `json:"uptimeMs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  s.cfg.Version,
		Streams:  len(s.cfg.Streams.List()),
		UptimeMs: time.Since(s.started).Milliseconds(),
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.cfg.Streams.List()
	out := make([]stream.Status, len(streams))
	for i, st := range streams {
		out[i] = st.Status()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, ok := s.cfg.Streams.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, st.Status())
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.cfg.Streams.Remove(name) {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	s.log.Info("stream stopped via API", "stream", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Start == nil {
		writeError(w, http.StatusNotImplemented, "stream creation disabled")
		return
	}
	var req config.Stream
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	st, err := s.cfg.Start(r.Context(), req)
	switch {
	case errors.Is(err, stream.ErrExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("stream started via API", "stream", st.Key, "source", st.Source)
	writeJSON(w, http.StatusCreated, st.Status())
}

func (s *Server) handleListFeeds(w http.ResponseWriter, _ *http.Request) {
	feeds := []ingest.FeedStats{}
	if s.cfg.Feeds != nil {
		feeds = append(feeds, s.cfg.Feeds.List()...)
	}
	writeJSON(w, http.StatusOK, feeds)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
