// Package clock maps RTCP sender reports onto a stream's media clock and
// provides the wall clock abstraction the timestamper runs against.
package clock

import (
	"math"
	"sync/atomic"
	"time"
)

// ntpUnixOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpUnixOffset = 2208988800

// NTPToUnixNano converts a 64-bit NTP timestamp (32.32 fixed point seconds
// since 1900) to nanoseconds since the Unix epoch. The fraction is rounded
// to the nearest nanosecond.
func NTPToUnixNano(ntp uint64) int64 {
	sec := int64(ntp>>32) - ntpUnixOffset
	frac := ntp & 0xFFFFFFFF
	ns := (frac*1_000_000_000 + 1<<31) >> 32
	return sec*1_000_000_000 + int64(ns)
}

// SenderReport is the part of an RTCP sender report the anchor needs.
type SenderReport struct {
	NTPTime   uint64
	RTPTime   uint32
	ClockRate uint32
}

// Sample ties a wall-clock instant to a media clock reading. Samples are
// immutable; the anchor replaces them wholesale.
type Sample struct {
	NTPEpochNS    int64
	MediaClockRef int64
	SampledAt     time.Time
	Generation    uint64
}

// Anchor holds the latest Sample. Update may be called from a network
// goroutine while the stream reader calls Load.
type Anchor struct {
	cur  atomic.Pointer[Sample]
	gen  atomic.Uint64
	wall Clock
}

// NewAnchor returns an unsynchronized anchor. A nil clock uses System.
func NewAnchor(wall Clock) *Anchor {
	if wall == nil {
		wall = System{}
	}
	return &Anchor{wall: wall}
}

// Update publishes a new sample built from sr. mediaClock is the unwrapped
// media clock value corresponding to sr.RTPTime.
func (a *Anchor) Update(sr SenderReport, mediaClock int64) *Sample {
	s := &Sample{
		NTPEpochNS:    NTPToUnixNano(sr.NTPTime),
		MediaClockRef: mediaClock,
		SampledAt:     a.wall.Now(),
		Generation:    a.gen.Add(1),
	}
	a.cur.Store(s)
	return s
}

// Load returns the current sample, or nil while no report has arrived.
func (a *Anchor) Load() *Sample {
	return a.cur.Load()
}

// Synced reports whether at least one sender report has been applied.
func (a *Anchor) Synced() bool {
	return a.cur.Load() != nil
}

// Map converts a media clock value to Unix nanoseconds using the sample.
// tickNS is the length of one media clock tick in nanoseconds.
func (s *Sample) Map(mediaClock int64, tickNS float64) int64 {
	return s.NTPEpochNS + int64(math.Round(float64(mediaClock-s.MediaClockRef)*tickNS))
}
