package storage

import "time"

// NextTimestamp returns a creation time strictly after prev, using now when it is
// already later. Timestamps are truncated to microseconds, the precision Postgres keeps.
func NextTimestamp(prev, now time.Time) time.Time {
	t := now.Truncate(time.Microsecond)
	if !prev.IsZero() && !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}
