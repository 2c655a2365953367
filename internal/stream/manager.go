// Package stream tracks the lifecycle of running pipelines, providing the
// create/run/remove/list operations used by the process, the SRT listener
// and the status API.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/vidclock/internal/metrics"
	"github.com/zsiec/vidclock/internal/pipeline"
	"github.com/zsiec/vidclock/internal/stats"
)

// ErrExists is returned by Start when a stream with the key is running.
var ErrExists = errors.New("stream: already exists")

// Stream is a running pipeline.
type Stream struct {
	Key       string
	Kind      string
	Source    string // redacted source URL
	StartedAt time.Time
	Stats     *stats.Collector

	mu       sync.Mutex
	pipeline *pipeline.Pipeline
	cancel   context.CancelFunc
	stopped  bool
	err      error
	done     chan struct{}
}

// Status is the status API view of a stream.
type Status struct {
	Key       string           `json:"key"`
	Kind      string           `json:"kind"`
	Source    string           `json:"source"`
	StartedAt time.Time        `json:"startedAt"`
	Pipeline  *pipeline.Status `json:"pipeline,omitempty"`
	Stats     *stats.Snapshot  `json:"stats,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Status returns a point-in-time view of the stream.
func (s *Stream) Status() Status {
	s.mu.Lock()
	p, err := s.pipeline, s.err
	s.mu.Unlock()

	st := Status{Key: s.Key, Kind: s.Kind, Source: s.Source, StartedAt: s.StartedAt}
	if p != nil {
		ps := p.Status()
		st.Pipeline = &ps
	}
	if s.Stats != nil {
		snap := s.Stats.Snapshot()
		st.Stats = &snap
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// Done is closed when the stream's pipeline has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the pipeline's error once Done is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Manager manages the lifecycle of running streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
	wg      sync.WaitGroup
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream. Returns the stream and true if created,
// or nil and false if a stream with this key already exists.
func (m *Manager) Create(key string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.streams[key] = s
	m.log.Info("stream created", "key", key)
	return s, true
}

// Run drives p until it returns, then unregisters s. It blocks; the
// pipeline's error is returned and kept for Err.
func (m *Manager) Run(ctx context.Context, s *Stream, p *pipeline.Pipeline) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.pipeline = p
	s.cancel = cancel
	stopped := s.stopped
	s.mu.Unlock()
	// Removed before the pipeline got going.
	if stopped {
		cancel()
	}

	metrics.IncActiveStreams(s.Kind)
	defer metrics.DecActiveStreams(s.Kind)

	err := p.Run(ctx)

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
	m.release(s)

	if err != nil {
		m.log.Error("stream failed", "key", s.Key, "error", err)
	} else {
		m.log.Info("stream finished", "key", s.Key)
	}
	return err
}

// Start registers a stream and runs p in the background. The stream is
// removed from the manager when p returns.
func (m *Manager) Start(ctx context.Context, key, kind, source string, st *stats.Collector, p *pipeline.Pipeline) (*Stream, error) {
	s, ok := m.Create(key)
	if !ok {
		return nil, ErrExists
	}
	s.Kind, s.Source, s.Stats = kind, source, st

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Run(ctx, s, p)
	}()
	return s, nil
}

// Get returns the stream registered under key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove stops a stream and removes it from the manager. It reports
// whether the stream existed.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		s.stop()
		m.log.Info("stream removed", "key", key)
	}
	return ok
}

// release drops s unless the key has since been reused.
func (m *Manager) release(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[s.Key] == s {
		delete(m.streams, s.Key)
	}
}

// List returns all active streams sorted by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// Wait blocks until every stream started with Start has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
