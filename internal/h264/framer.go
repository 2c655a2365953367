package h264

// Framer yields the NAL units of an Annex-B buffer one at a time. Every byte
// of the buffer belongs to exactly one yielded unit: bytes before the first
// start code come back as a unit without a start code, and consecutive start
// codes produce an empty payload.
//
// A zero byte immediately before 00 00 01 is treated as part of a 4-byte
// start code. With the workaround enabled, a single trailing 0x00 is removed
// from each payload because some ingestion sinks misread it as the start of
// a new prefix.
type Framer struct {
	buf        []byte
	workaround bool
	pos        int
}

// NewFramer returns a Framer positioned at the start of buf.
func NewFramer(buf []byte, workaround bool) *Framer {
	return &Framer{buf: buf, workaround: workaround}
}

// Reset restarts iteration over buf.
func (f *Framer) Reset(buf []byte) {
	f.buf = buf
	f.pos = 0
}

// Next returns the next NAL unit, or false when the buffer is exhausted.
func (f *Framer) Next() (NALU, bool) {
	if f.pos >= len(f.buf) {
		return NALU{}, false
	}

	scStart := f.pos
	scLen := startCodeLen(f.buf, scStart)
	dataStart := scStart + scLen

	end, _ := findStartCode(f.buf, dataStart)
	f.pos = end

	payload := f.buf[dataStart:end]
	if f.workaround && len(payload) > 0 && payload[len(payload)-1] == 0x00 {
		payload = payload[:len(payload)-1]
	}

	n := NALU{
		Offset:  dataStart,
		Payload: payload,
	}
	if scLen > 0 {
		n.StartCode = f.buf[scStart:dataStart]
	}
	if len(payload) > 0 {
		n.Type = KindOf(payload[0] & 0x1F)
	}
	return n, true
}

// startCodeLen returns 4 or 3 if a start code begins at i, or 0.
func startCodeLen(b []byte, i int) int {
	n := len(b) - i
	if n >= 4 && b[i] == 0 && b[i+1] == 0 && b[i+2] == 0 && b[i+3] == 1 {
		return 4
	}
	if n >= 3 && b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
		return 3
	}
	return 0
}

// findStartCode returns the position and length of the first start code at
// or after from, or len(b) and 0 if there is none.
func findStartCode(b []byte, from int) (int, int) {
	for i := from; i+2 < len(b); i++ {
		if b[i+1] != 0 {
			// Neither b[i] nor b[i+1] can open a start code here.
			i++
			continue
		}
		if l := startCodeLen(b, i); l > 0 {
			return i, l
		}
	}
	return len(b), 0
}

// Split returns every NAL unit in buf.
func Split(buf []byte, workaround bool) []NALU {
	f := NewFramer(buf, workaround)
	var out []NALU
	for {
		n, ok := f.Next()
		if !ok {
			return out
		}
		out = append(out, n)
	}
}

// Join concatenates start code and payload of each unit in order.
func Join(nalus []NALU) []byte {
	size := 0
	for _, n := range nalus {
		size += n.Len()
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = n.AppendTo(out)
	}
	return out
}

// ContainsIDR reports whether buf holds an IDR slice.
func ContainsIDR(buf []byte) bool {
	f := NewFramer(buf, false)
	for {
		n, ok := f.Next()
		if !ok {
			return false
		}
		if n.Type == KindIDR {
			return true
		}
	}
}

// FromPayloads frames raw NAL payloads with 4-byte start codes.
func FromPayloads(payloads [][]byte) []byte {
	size := 0
	for _, p := range payloads {
		size += len(startCode4) + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range payloads {
		out = append(out, startCode4...)
		out = append(out, p...)
	}
	return out
}
