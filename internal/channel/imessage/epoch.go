package imessage

import "time"

// appleEpoch is the Messages database time origin.
var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// nanosecondCutoff separates legacy second-resolution date values from
// the nanosecond values modern macOS writes. Any plausible second count
// stays far below it.
const nanosecondCutoff = int64(1) << 32

// fromAppleTime converts a chat.db date column value to a UTC time.
func fromAppleTime(raw int64) time.Time {
	if raw > nanosecondCutoff {
		return appleEpoch.Add(time.Duration(raw)).UTC()
	}
	return appleEpoch.Add(time.Duration(raw) * time.Second).UTC()
}

// toAppleTime is the inverse, in nanoseconds.
func toAppleTime(t time.Time) int64 {
	return t.Sub(appleEpoch).Nanoseconds()
}
