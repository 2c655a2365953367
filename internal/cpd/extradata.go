package cpd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zsiec/vidclock/internal/h264"
)

var errShortRecord = errors.New("cpd: avcC record truncated")

// ParseExtradata builds a Set from decoder extradata. Annex-B framed input
// and an AVCDecoderConfigurationRecord (avcC, first byte 0x01) are accepted.
// Only the first SPS and PPS are kept.
func ParseExtradata(b []byte) (Set, error) {
	var s Set
	if len(b) == 0 {
		return s, nil
	}
	if b[0] == 1 {
		return parseAVCC(b)
	}

	for _, n := range h264.Split(b, false) {
		if err := h264.RequireStartCode(n); err != nil {
			return Set{}, fmt.Errorf("cpd: extradata: %w", err)
		}
		if _, ok := s.Get(n.Type); ok {
			continue
		}
		s.Put(n)
	}
	return s, nil
}

// parseAVCC reads the parameter sets out of an avcC box body.
//
//	version(8) profile(8) compat(8) level(8) 111111 lengthSizeMinusOne(2)
//	111 numSPS(5) { len(16) sps } numPPS(8) { len(16) pps }
func parseAVCC(b []byte) (Set, error) {
	var s Set
	if len(b) < 6 {
		return s, errShortRecord
	}
	pos := 5
	numSPS := int(b[pos] & 0x1F)
	pos++

	readSets := func(count int) error {
		for i := 0; i < count; i++ {
			if pos+2 > len(b) {
				return errShortRecord
			}
			l := int(binary.BigEndian.Uint16(b[pos:]))
			pos += 2
			if pos+l > len(b) {
				return errShortRecord
			}
			n := h264.NewNALU(b[pos : pos+l])
			if _, ok := s.Get(n.Type); !ok {
				s.Put(n)
			}
			pos += l
		}
		return nil
	}

	if err := readSets(numSPS); err != nil {
		return Set{}, err
	}
	if pos >= len(b) {
		return Set{}, errShortRecord
	}
	numPPS := int(b[pos])
	pos++
	if err := readSets(numPPS); err != nil {
		return Set{}, err
	}
	return s, nil
}
