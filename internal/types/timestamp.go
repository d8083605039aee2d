package types

import "time"

// Timestamp is microseconds since the Unix epoch.
//
// Source chains require strictly increasing timestamps, and wall clocks
// are not strictly increasing, so chain authoring floors each new
// timestamp at the previous one plus one microsecond. Microsecond
// resolution keeps the value inside an int64 for the next ~290k years
// while leaving room for that flooring under bursty commits.
type Timestamp int64

// TimestampFromTime converts a time.Time, truncating to microseconds.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Now returns the current wall-clock timestamp.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// Time converts back to a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.UnixMicro(int64(ts)).UTC()
}

// After reports whether ts is strictly later than other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts > other
}
