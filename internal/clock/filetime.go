package clock

import "time"

// fileTimeUnixOffset is the number of 100ns ticks between 1601-01-01 and
// 1970-01-01.
const fileTimeUnixOffset = 116444736000000000

// FromFileTime converts a Windows FILETIME (100ns ticks since 1601-01-01
// UTC) to a time.Time.
func FromFileTime(ticks int64) time.Time {
	return time.Unix(0, (ticks-fileTimeUnixOffset)*100).UTC()
}

// ToFileTime is the inverse of FromFileTime.
func ToFileTime(t time.Time) int64 {
	return t.UnixNano()/100 + fileTimeUnixOffset
}
