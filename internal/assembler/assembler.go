// Package assembler turns source access units into emittable Annex-B
// payloads: it holds back everything before the first keyframe, filters
// NAL units through the CPD reconciler and prepends the CPD when a decoder
// needs it.
package assembler

import (
	"log/slog"

	"github.com/zsiec/vidclock/internal/cpd"
	"github.com/zsiec/vidclock/internal/h264"
	"github.com/zsiec/vidclock/internal/media"
	"github.com/zsiec/vidclock/internal/session"
)

// Assembly is one assembled access unit.
type Assembly struct {
	Payload  []byte
	Keyframe bool
	// CPD is set when the payload starts with the parameter sets.
	CPD bool

	Reconcile cpd.Result
	Captions  int
}

// Assembler is owned by a single stream reader.
type Assembler struct {
	log        *slog.Logger
	sess       *session.Session
	rec        *cpd.Reconciler
	workaround bool
	cpdSent    bool
}

// New returns an Assembler for sess. The reconciler must maintain sess.CPD.
func New(sess *session.Session, rec *cpd.Reconciler, workaround bool, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		log:        log.With("component", "assembler"),
		sess:       sess,
		rec:        rec,
		workaround: workaround,
	}
}

// IsKeyframe reports whether u should end cold start.
func IsKeyframe(u media.Unit) bool {
	return u.Keyframe || h264.ContainsIDR(u.Data)
}

// Assemble builds the payload for u.
//
// It returns (nil, media.ErrEOS) for an empty unit and closes the session.
// It returns (nil, nil) while the session waits for its first keyframe.
// A unit containing bytes outside any start code is dropped with an error
// wrapping media.ErrMalformedBitstream.
func (a *Assembler) Assemble(u media.Unit) (*Assembly, error) {
	if u.EOS() {
		a.sess.Close()
		return nil, media.ErrEOS
	}

	key := IsKeyframe(u)
	if !a.sess.Started && !key {
		return nil, nil
	}

	nalus := h264.Split(u.Data, a.workaround)
	for _, n := range nalus {
		if err := h264.RequireStartCode(n); err != nil {
			return nil, err
		}
	}

	res := a.rec.Reconcile(nalus)
	out := &Assembly{Keyframe: key, Reconcile: res}

	size := 0
	for _, n := range res.NALUs {
		size += n.Len()
	}

	set := a.rec.CPD()
	withCPD := !a.cpdSent || res.Changed
	if withCPD && set.Empty() {
		a.log.Warn("no SPS/PPS available yet, emitting frame without CPD")
		withCPD = false
	}

	var cpdBytes []byte
	if withCPD {
		cpdBytes = set.Bytes()
		size += len(cpdBytes)
	}

	payload := make([]byte, 0, size)
	payload = append(payload, cpdBytes...)
	for _, n := range res.NALUs {
		payload = n.AppendTo(payload)
		if n.Type == h264.KindSEI {
			c608, c708 := h264.CaptionCount(n.Payload)
			out.Captions += c608 + c708
		}
	}

	if withCPD {
		a.cpdSent = true
		out.CPD = true
	}
	out.Payload = payload
	return out, nil
}
