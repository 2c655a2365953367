package clock

// Unwrapper extends a wrapping timestamp (32-bit RTP, 33-bit MPEG-TS) into
// a monotonic int64 by counting wrap-arounds.
type Unwrapper struct {
	modulus int64
	last    int64
	wraps   int64
	started bool
}

// NewUnwrapper returns an Unwrapper for timestamps of the given bit width.
func NewUnwrapper(bits uint) *Unwrapper {
	return &Unwrapper{modulus: int64(1) << bits}
}

// Unwrap returns raw extended by the wraps seen so far. raw is reduced
// modulo the timestamp width first.
func (u *Unwrapper) Unwrap(raw int64) int64 {
	raw &= u.modulus - 1
	half := u.modulus / 2
	if u.started {
		delta := raw - u.last
		if delta < -half {
			u.wraps++
		} else if delta > half {
			u.wraps--
		}
	}
	u.started = true
	u.last = raw
	return raw + u.wraps*u.modulus
}

// Peek extends raw relative to the current state without recording it.
// Sender reports use it so an out-of-band RTP time does not disturb the
// packet sequence.
func (u *Unwrapper) Peek(raw int64) int64 {
	raw &= u.modulus - 1
	if !u.started {
		return raw
	}
	half := u.modulus / 2
	wraps := u.wraps
	delta := raw - u.last
	if delta < -half {
		wraps++
	} else if delta > half {
		wraps--
	}
	return raw + wraps*u.modulus
}
