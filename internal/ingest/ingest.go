// Package ingest tracks MPEG-TS feeds pushed into vidclock by SRT publishers
// and hands each new feed to the pipeline layer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ChunkSize is the read size used when copying a publisher's connection
// into its feed: ten SRT payloads of seven 188-byte TS packets.
const ChunkSize = 1316 * 10

// ErrDuplicateFeed is returned by Register when a feed with the same key is
// already publishing.
var ErrDuplicateFeed = errors.New("ingest: feed already publishing")

// FeedStats captures connection-level counters for a feed, exposed via the
// status API for monitoring publisher health.
type FeedStats struct {
	Key           string `json:"key"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Feed is one publisher's byte stream. The SRT receiver writes into it and
// a source reads from it; it satisfies io.ReadCloser on the reading side.
type Feed struct {
	Key         string
	ConnectedAt time.Time

	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Read reads transport stream bytes written by the publisher. It returns
// io.EOF once the publisher has gone away.
func (f *Feed) Read(p []byte) (int, error) {
	return f.pr.Read(p)
}

// Close stops consuming the feed. Pending and future publisher writes fail,
// which makes the receiver drop the connection.
func (f *Feed) Close() error {
	return f.pr.Close()
}

// Done is closed when the feed is unregistered.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// RecordRead increments the byte and read counters, called by the SRT
// receiver after each successful socket read.
func (f *Feed) RecordRead(n int) {
	f.bytesReceived.Add(int64(n))
	f.readCount.Add(1)
}

// SetRemoteAddr stores the publisher's address for diagnostics.
func (f *Feed) SetRemoteAddr(addr string) {
	f.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the feed's counters.
func (f *Feed) Stats() FeedStats {
	addr, _ := f.remoteAddr.Load().(string)
	return FeedStats{
		Key:           f.Key,
		BytesReceived: f.bytesReceived.Load(),
		ReadCount:     f.readCount.Load(),
		ConnectedAt:   f.ConnectedAt.UnixMilli(),
		UptimeMs:      time.Since(f.ConnectedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks publishing feeds by key and dispatches each new feed to
// the onFeed callback. It is the rendezvous point between the SRT listener
// and the pipelines that timestamp its video.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]*Feed

	onFeed func(f *Feed)
}

// NewRegistry creates a Registry. onFeed, if non-nil, is invoked in its own
// goroutine for every registered feed.
func NewRegistry(onFeed func(f *Feed)) *Registry {
	return &Registry{
		feeds:  make(map[string]*Feed),
		onFeed: onFeed,
	}
}

// Register creates a feed for key and returns it with the writer the SRT
// receiver copies socket data into.
func (r *Registry) Register(key string) (*Feed, io.Writer, error) {
	pr, pw := io.Pipe()
	f := &Feed{
		Key:         key,
		ConnectedAt: time.Now(),
		pr:          pr,
		pw:          pw,
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.feeds[key]; ok {
		r.mu.Unlock()
		return nil, nil, ErrDuplicateFeed
	}
	r.feeds[key] = f
	r.mu.Unlock()

	if r.onFeed != nil {
		go r.onFeed(f)
	}
	return f, pw, nil
}

// Unregister removes a feed by key, ending its byte stream and closing Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	f, ok := r.feeds[key]
	if ok {
		delete(r.feeds, key)
	}
	r.mu.Unlock()

	if ok {
		f.pw.Close()
		close(f.done)
	}
}

// Get returns the feed for key.
func (r *Registry) Get(key string) (*Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[key]
	return f, ok
}

// List returns stats for all publishing feeds, sorted by key.
func (r *Registry) List() []FeedStats {
	r.mu.RLock()
	out := make([]FeedStats, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, f.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Publish registers a feed for key and copies src into it until src ends,
// the consuming pipeline closes the feed, or ctx is cancelled. The feed is
// unregistered before Publish returns its final counters. The error is nil
// when the publisher or the consumer ended the feed cleanly.
func (r *Registry) Publish(ctx context.Context, key, remote string, src io.Reader) (FeedStats, error) {
	f, w, err := r.Register(key)
	if err != nil {
		return FeedStats{}, err
	}
	f.SetRemoteAddr(remote)
	defer r.Unregister(key)

	err = f.fill(ctx, src, w)
	return f.Stats(), err
}

// fill copies src into w in ChunkSize reads, counting each one.
func (f *Feed) fill(ctx context.Context, src io.Reader, w io.Writer) error {
	buf := make([]byte, ChunkSize)
	for ctx.Err() == nil {
		n, err := src.Read(buf)
		if n > 0 {
			f.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				if errors.Is(werr, io.ErrClosedPipe) {
					return nil
				}
				return fmt.Errorf("feed %s: %w", f.Key, werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("feed %s: read: %w", f.Key, err)
		}
	}
	return nil
}
