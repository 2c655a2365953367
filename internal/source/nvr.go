package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/vidclock/internal/clock"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/timestamp"
)

// NVR part headers.
const (
	headerKeyFrame = "isKeyFrame"
	headerTime     = "time"
)

// NVR reads the live multipart feed of a network video recorder. Each part
// carries one access unit with its capture time as a Windows FILETIME.
// Some recorders split a key frame over several parts flagged as key
// frames; those are joined into one unit when the next non-key part
// arrives.
type NVR struct {
	desc   Descriptor
	log    *slog.Logger
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	body   io.Closer
	closed bool

	mr *multipart.Reader

	key      []byte
	keyTime  time.Time
	keyParts int
	queued   *media.Unit
}

// NewNVR returns an unopened NVR source.
func NewNVR(d Descriptor, opts Options) *NVR {
	opts.defaults()
	return &NVR{
		desc:   d,
		log:    opts.Log.With("component", "nvr-source", "url", d.String()),
		client: opts.HTTPClient,
	}
}

// Open requests the live feed. Credentials in the URL are sent as basic
// auth; the camera option selects the recorder's sensor.
func (s *NVR) Open(ctx context.Context) (Info, error) {
	u := *s.desc.URL
	var user, pass string
	hasAuth := u.User != nil
	if hasAuth {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}
	if s.desc.Camera != "" {
		q := u.Query()
		q.Set("sensor", s.desc.Camera)
		u.RawQuery = q.Encode()
	}

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return Info{}, &media.SourceError{Source: s.desc.String(), Op: "build request", Err: err}
	}
	if hasAuth {
		req.SetBasicAuth(user, pass)
	}
	req.Header.Set("Connection", "Keep-Alive")

	stop := context.AfterFunc(ctx, cancel)
	resp, err := s.client.Do(req)
	stop()
	if err != nil {
		cancel()
		return Info{}, &media.SourceError{Source: s.desc.String(), Op: "request live feed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return Info{}, &media.SourceError{Source: s.desc.String(), Op: "request live feed", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return Info{}, &media.SourceError{Source: s.desc.String(), Op: "read live feed", Err: fmt.Errorf("not a multipart response: %q", resp.Header.Get("Content-Type"))}
	}

	s.mu.Lock()
	s.cancel = cancel
	s.body = resp.Body
	s.mu.Unlock()
	s.mr = multipart.NewReader(resp.Body, params["boundary"])

	s.log.Info("live feed opened", "camera", s.desc.Camera)
	return Info{Mode: timestamp.Vendor, TimeBase: media.TimeBaseNS, Start: s.desc.Start}, nil
}

// ReadUnit returns the next H.264 access unit. Parts of other media types
// are skipped.
func (s *NVR) ReadUnit(ctx context.Context) (media.Unit, error) {
	if s.mr == nil {
		return media.Unit{}, &media.SourceError{Source: s.desc.String(), Op: "read", Err: errors.New("not open")}
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		if s.queued != nil {
			u := *s.queued
			s.queued = nil
			return u, nil
		}

		part, err := s.mr.NextPart()
		if err != nil {
			if len(s.key) > 0 {
				return s.flushKey(), nil
			}
			if errors.Is(err, io.EOF) || s.isClosed() {
				return media.Unit{}, io.EOF
			}
			return media.Unit{}, &media.SourceError{Source: s.desc.String(), Op: "read part", Err: err}
		}

		if !isH264Part(part.Header.Get("Content-Type")) {
			io.Copy(io.Discard, part)
			continue
		}
		body, err := io.ReadAll(part)
		if err != nil {
			if s.isClosed() {
				return media.Unit{}, io.EOF
			}
			return media.Unit{}, &media.SourceError{Source: s.desc.String(), Op: "read part", Err: err}
		}
		captured := s.partTime(part.Header.Get(headerTime))

		if strings.EqualFold(part.Header.Get(headerKeyFrame), "true") {
			s.key = append(s.key, body...)
			s.keyTime = captured
			s.keyParts++
			continue
		}

		u := media.Unit{Data: body, VendorTime: captured}
		if len(s.key) > 0 {
			s.queued = &u
			return s.flushKey(), nil
		}
		return u, nil
	}
}

// flushKey returns the accumulated key frame parts as one unit.
func (s *NVR) flushKey() media.Unit {
	if s.keyParts > 1 {
		s.log.Debug("joining key frame parts", "parts", s.keyParts)
	}
	u := media.Unit{Data: s.key, Keyframe: true, VendorTime: s.keyTime}
	s.key, s.keyTime, s.keyParts = nil, time.Time{}, 0
	return u
}

func (s *NVR) partTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ticks, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		s.log.Debug("bad part time", "value", v, "error", err)
		return time.Time{}
	}
	return clock.FromFileTime(ticks)
}

func isH264Part(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	typ, sub, ok := strings.Cut(mediaType, "/")
	return ok && typ == "video" && strings.Contains(sub, "264")
}

func (s *NVR) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the live request. It is idempotent.
func (s *NVR) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}
