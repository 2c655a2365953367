// Package cpd maintains the codec private data (SPS and PPS) of an H.264
// session and reconciles it against parameter sets found in the bitstream.
package cpd

import (
	"errors"
	"fmt"
	"strings"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/zsiec/vidclock/internal/h264"
)

// Policy selects which copy of a parameter set wins when out-of-band
// extradata and the bitstream disagree.
type Policy int

const (
	// ExtradataCanonical keeps the extradata copy and drops bitstream
	// duplicates, logging any mismatch.
	ExtradataCanonical Policy = iota
	// BitstreamCanonical replaces the extradata copy with the bitstream's
	// version whenever they differ. Some encoders ship corrupt extradata.
	BitstreamCanonical
)

func (p Policy) String() string {
	switch p {
	case ExtradataCanonical:
		return "extradata"
	case BitstreamCanonical:
		return "bitstream"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "extradata" or "bitstream" (case-insensitive).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "extradata", "extradata-canonical":
		return ExtradataCanonical, nil
	case "bitstream", "bitstream-canonical":
		return BitstreamCanonical, nil
	default:
		return 0, fmt.Errorf("cpd: unknown policy %q", s)
	}
}

// Set holds at most one SPS and one PPS. Entries own their bytes and always
// carry a start code.
type Set struct {
	sps h264.NALU
	pps h264.NALU
}

// Get returns the entry for kind, which must be KindSPS or KindPPS.
func (s *Set) Get(kind h264.Kind) (h264.NALU, bool) {
	switch kind {
	case h264.KindSPS:
		return s.sps, len(s.sps.Payload) > 0
	case h264.KindPPS:
		return s.pps, len(s.pps.Payload) > 0
	}
	return h264.NALU{}, false
}

// Put stores a copy of n, replacing any entry of the same kind. Units that
// are not parameter sets are ignored.
func (s *Set) Put(n h264.NALU) {
	switch n.Type {
	case h264.KindSPS:
		s.sps = n.Clone()
	case h264.KindPPS:
		s.pps = n.Clone()
	}
}

// Empty reports whether neither entry is set.
func (s *Set) Empty() bool {
	return len(s.sps.Payload) == 0 && len(s.pps.Payload) == 0
}

// NALUs returns the entries in SPS, PPS order.
func (s *Set) NALUs() []h264.NALU {
	var out []h264.NALU
	if len(s.sps.Payload) > 0 {
		out = append(out, s.sps)
	}
	if len(s.pps.Payload) > 0 {
		out = append(out, s.pps)
	}
	return out
}

// Bytes returns the entries joined as Annex-B.
func (s *Set) Bytes() []byte {
	return h264.Join(s.NALUs())
}

// Info is what the SPS says about the picture.
type Info struct {
	Width  int
	Height int
	FPS    float64 // zero when the SPS carries no timing info
}

// ErrNoSPS is returned by Info when the set has no SPS.
var ErrNoSPS = errors.New("cpd: no SPS")

// Info decodes the SPS.
func (s *Set) Info() (Info, error) {
	n, ok := s.Get(h264.KindSPS)
	if !ok {
		return Info{}, ErrNoSPS
	}
	var sps mch264.SPS
	if err := sps.Unmarshal(n.Payload); err != nil {
		return Info{}, fmt.Errorf("cpd: parse SPS: %w", err)
	}
	return Info{
		Width:  sps.Width(),
		Height: sps.Height(),
		FPS:    sps.FPS(),
	}, nil
}
