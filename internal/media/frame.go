// Package media defines the unit and frame types that flow through the
// vidclock processing pipeline, from a source's reader to an ingestion sink.
package media

import "time"

// UnitBufferSize is the channel depth sources use between their network
// callbacks and ReadUnit. Sized for roughly two seconds of 30 fps video.
const UnitBufferSize = 64

// Rational is a time base expressed as Num/Den seconds per media clock tick.
type Rational struct {
	Num int64
	Den int64
}

// Common time bases.
var (
	TimeBase90k = Rational{Num: 1, Den: 90000}
	TimeBaseNS  = Rational{Num: 1, Den: 1_000_000_000}
)

// Valid reports whether the rational can be used as a tick length.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Seconds converts a media clock delta to seconds.
func (r Rational) Seconds(ticks int64) float64 {
	return float64(ticks) * float64(r.Num) / float64(r.Den)
}

// Ticks converts seconds to the nearest whole number of ticks.
func (r Rational) Ticks(sec float64) int64 {
	v := sec * float64(r.Den) / float64(r.Num)
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}

// Unit is one access unit as handed over by a demuxer, depacketizer or
// multipart reader. A Unit with empty Data marks end of stream.
type Unit struct {
	Data       []byte // Annex-B framed NAL units
	MediaClock int64
	HasClock   bool
	TimeBase   Rational
	Keyframe   bool

	// VendorTime is the absolute capture time reported by an NVR, if any.
	VendorTime time.Time
}

// EOS reports whether the unit signals end of stream.
func (u Unit) EOS() bool {
	return len(u.Data) == 0
}

// Frame is an assembled access unit with its position on the session
// timeline. PTS and Duration are in seconds; PTS is absolute (Unix epoch)
// for live sources. Frames are immutable once emitted.
type Frame struct {
	Payload  []byte
	PTS      float64
	Duration float64
	Keyframe bool
}

// End returns PTS + Duration.
func (f Frame) End() float64 {
	return f.PTS + f.Duration
}
