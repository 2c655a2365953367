package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zsiec/vidclock/internal/media"
)

// NAL unit types used by the framer.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// Kind is the closed set of NAL unit categories the ingestion path cares about.
type Kind uint8

const (
	KindOther Kind = iota
	KindSPS
	KindPPS
	KindAUD
	KindSEI
	KindIDR
	KindNIDR
)

func (k Kind) String() string {
	switch k {
	case KindSPS:
		return "SPS"
	case KindPPS:
		return "PPS"
	case KindAUD:
		return "AUD"
	case KindSEI:
		return "SEI"
	case KindIDR:
		return "IDR"
	case KindNIDR:
		return "NIDR"
	default:
		return "Other"
	}
}

// KindOf maps a raw nal_unit_type to its Kind.
func KindOf(nalType byte) Kind {
	switch nalType {
	case NALTypeSPS:
		return KindSPS
	case NALTypePPS:
		return KindPPS
	case NALTypeAUD:
		return KindAUD
	case NALTypeSEI:
		return KindSEI
	case NALTypeIDR:
		return KindIDR
	case NALTypeSlice:
		return KindNIDR
	default:
		return KindOther
	}
}

// IsParameterSet reports whether the kind is SPS or PPS.
func (k Kind) IsParameterSet() bool {
	return k == KindSPS || k == KindPPS
}

// IsVCL reports whether the kind carries slice data.
func (k Kind) IsVCL() bool {
	return k == KindIDR || k == KindNIDR
}

var (
	startCode3 = []byte{0, 0, 1}
	startCode4 = []byte{0, 0, 0, 1}
)

// NALU is a view of one NAL unit inside a buffer. Payload starts with the
// NAL header byte and never includes the start code.
type NALU struct {
	Type      Kind
	Offset    int // offset of Payload within the framed buffer
	Payload   []byte
	StartCode []byte
}

// NewNALU builds a NALU that owns a copy of payload, prefixed with a 4-byte
// start code. Used for cached parameter sets that outlive their buffer.
func NewNALU(payload []byte) NALU {
	b := make([]byte, len(startCode4)+len(payload))
	copy(b, startCode4)
	copy(b[len(startCode4):], payload)
	n := NALU{
		Offset:    len(startCode4),
		Payload:   b[len(startCode4):],
		StartCode: b[:len(startCode4)],
	}
	if len(payload) > 0 {
		n.Type = KindOf(payload[0] & 0x1F)
	}
	return n
}

// HasStartCode reports whether the unit was preceded by a start code.
func (n NALU) HasStartCode() bool {
	return len(n.StartCode) > 0
}

// RawType returns the 5-bit nal_unit_type, or 0 for an empty payload.
func (n NALU) RawType() byte {
	if len(n.Payload) == 0 {
		return 0
	}
	return n.Payload[0] & 0x1F
}

// RefIdc returns the 2-bit nal_ref_idc.
func (n NALU) RefIdc() byte {
	if len(n.Payload) == 0 {
		return 0
	}
	return (n.Payload[0] >> 5) & 0x03
}

// ForbiddenBit reports whether forbidden_zero_bit is set.
func (n NALU) ForbiddenBit() bool {
	return len(n.Payload) > 0 && n.Payload[0]&0x80 != 0
}

// Len returns the framed length, start code included.
func (n NALU) Len() int {
	return len(n.StartCode) + len(n.Payload)
}

// AppendTo appends the start code and payload to dst.
func (n NALU) AppendTo(dst []byte) []byte {
	dst = append(dst, n.StartCode...)
	return append(dst, n.Payload...)
}

// Equal compares payloads, ignoring the start code form.
func (n NALU) Equal(o NALU) bool {
	return bytes.Equal(n.Payload, o.Payload)
}

// Clone returns a NALU that owns its bytes and always carries a start code.
func (n NALU) Clone() NALU {
	if !n.HasStartCode() {
		return NewNALU(n.Payload)
	}
	b := make([]byte, n.Len())
	copy(b, n.StartCode)
	copy(b[len(n.StartCode):], n.Payload)
	return NALU{
		Type:      n.Type,
		Offset:    len(n.StartCode),
		Payload:   b[len(n.StartCode):],
		StartCode: b[:len(n.StartCode)],
	}
}

// FramingError reports a NAL unit that violated a framing requirement.
type FramingError struct {
	Offset int
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("h264: %s at offset %d", e.Reason, e.Offset)
}

func (e *FramingError) Unwrap() error {
	return media.ErrMalformedBitstream
}

// RequireStartCode returns a *FramingError if n was not preceded by a start
// code. The caller decides whether to drop the unit or abort.
func RequireStartCode(n NALU) error {
	if n.HasStartCode() {
		return nil
	}
	return &FramingError{Offset: n.Offset, Reason: "missing start code"}
}

// IsMalformed reports whether err is a framing error.
func IsMalformed(err error) bool {
	return errors.Is(err, media.ErrMalformedBitstream)
}
