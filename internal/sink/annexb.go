package sink

import (
	"context"
	"io"
	"sync"

	"github.com/zsiec/vidclock/internal/media"
)

// AnnexB writes frame payloads back to back. The output is byte-exact: a
// decoder reading it sees the same NAL units the stream emitted.
type AnnexB struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewAnnexB returns an AnnexB writer. If w is an io.Closer it is closed
// by Close.
func NewAnnexB(w io.Writer) *AnnexB {
	return &AnnexB{w: w}
}

func (a *AnnexB) WriteFrame(ctx context.Context, f media.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	_, err := a.w.Write(f.Payload)
	return err
}

func (a *AnnexB) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if c, ok := a.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
