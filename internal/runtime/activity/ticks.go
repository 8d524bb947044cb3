package activity

import (
	"fmt"
	"math"
	"time"
)

const (
	// TicksPerSecond is the number of 100ns ticks in one second.
	TicksPerSecond = 10_000_000

	// unixEpochTicks is 1970-01-01T00:00:00Z expressed in ticks since
	// 0001-01-01T00:00:00Z.
	unixEpochTicks = 621_355_968_000_000_000

	// MaxTicks is 9999-12-31T23:59:59.9999999Z, the last representable instant.
	MaxTicks = 3_155_378_975_999_999_999
)

// TicksToTime converts a count of 100ns ticks since 0001-01-01T00:00:00Z into
// a UTC time.
func TicksToTime(ticks int64) (time.Time, error) {
	if ticks < 0 || ticks > MaxTicks {
		return time.Time{}, fmt.Errorf("tick value %d out of range", ticks)
	}
	rel := ticks - unixEpochTicks
	return time.Unix(rel/TicksPerSecond, (rel%TicksPerSecond)*100).UTC(), nil
}

// TimeToTicks is the inverse of TicksToTime.
func TimeToTicks(t time.Time) int64 {
	t = t.UTC()
	return t.Unix()*TicksPerSecond + int64(t.Nanosecond()/100) + unixEpochTicks
}

// TicksToDuration converts a non-negative tick count into a time.Duration.
func TicksToDuration(ticks int64) (time.Duration, error) {
	if ticks < 0 {
		return 0, fmt.Errorf("negative duration %d ticks", ticks)
	}
	if ticks > math.MaxInt64/100 {
		return 0, fmt.Errorf("duration %d ticks overflows", ticks)
	}
	return time.Duration(ticks * 100), nil
}
