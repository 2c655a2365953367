package h264

import (
	"errors"
	"io"
)

const readChunk = 64 * 1024

// AccessUnitReader groups a raw Annex-B elementary stream into access units.
// A new access unit starts at an AUD, at an SPS, PPS or SEI that follows slice
// data, or at a slice whose first_mb_in_slice is zero after slice data.
type AccessUnitReader struct {
	r   io.Reader
	buf []byte
	eof bool

	cur    []byte
	curVCL bool
	curKey bool
}

// NewAccessUnitReader reads Annex-B data from r.
func NewAccessUnitReader(r io.Reader) *AccessUnitReader {
	return &AccessUnitReader{r: r}
}

// Next returns the next access unit and whether it contains an IDR slice.
// It returns io.EOF once the stream is drained.
func (a *AccessUnitReader) Next() ([]byte, bool, error) {
	for {
		nal, err := a.nextNAL()
		if errors.Is(err, io.EOF) {
			if len(a.cur) == 0 {
				return nil, false, io.EOF
			}
			out, key := a.cur, a.curKey
			a.cur, a.curVCL, a.curKey = nil, false, false
			return out, key, nil
		}
		if err != nil {
			return nil, false, err
		}

		kind := KindOther
		firstMB := false
		payload := nal[startCodeLen(nal, 0):]
		if len(payload) > 0 {
			kind = KindOf(payload[0] & 0x1F)
		}
		if kind.IsVCL() && len(payload) > 1 {
			// first_mb_in_slice is ue(v); a leading 1 bit encodes zero.
			firstMB = payload[1]&0x80 != 0
		}

		boundary := a.curVCL && (kind == KindAUD || kind == KindSEI || kind.IsParameterSet() || (kind.IsVCL() && firstMB))
		if kind == KindAUD && len(a.cur) > 0 {
			boundary = true
		}

		if boundary {
			out, key := a.cur, a.curKey
			a.cur = append([]byte(nil), nal...)
			a.curVCL = kind.IsVCL()
			a.curKey = kind == KindIDR
			return out, key, nil
		}

		a.cur = append(a.cur, nal...)
		if kind.IsVCL() {
			a.curVCL = true
		}
		if kind == KindIDR {
			a.curKey = true
		}
	}
}

// nextNAL returns the next start code plus payload. Bytes before the first
// start code in the stream are discarded.
func (a *AccessUnitReader) nextNAL() ([]byte, error) {
	for {
		start, _ := findStartCode(a.buf, 0)
		if start == len(a.buf) {
			// Keep a tail that may turn into a start code after the next read.
			if len(a.buf) > 3 {
				a.buf = a.buf[len(a.buf)-3:]
			}
		} else {
			a.buf = a.buf[start:]
			end, _ := findStartCode(a.buf, startCodeLen(a.buf, 0))
			if end < len(a.buf) || a.eof {
				nal := a.buf[:end]
				a.buf = a.buf[end:]
				return nal, nil
			}
		}
		if a.eof {
			a.buf = nil
			return nil, io.EOF
		}
		if err := a.fill(); err != nil {
			return nil, err
		}
	}
}

func (a *AccessUnitReader) fill() error {
	chunk := make([]byte, readChunk)
	n, err := a.r.Read(chunk)
	if n > 0 {
		// Copy so returned NAL slices never alias a reused buffer.
		nb := make([]byte, len(a.buf)+n)
		copy(nb, a.buf)
		copy(nb[len(a.buf):], chunk[:n])
		a.buf = nb
	}
	if errors.Is(err, io.EOF) {
		a.eof = true
		return nil
	}
	return err
}
