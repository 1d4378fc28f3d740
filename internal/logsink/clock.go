package logsink

import "time"

// timestampLayout renders ***MM-DD-YYYY HH:MM:SS***, local time. Go's
// reference layout uses 01/02 2006 15:04:05 for month/day/year/hour/
// minute/second.
const timestampLayout = "***01-02-2006 15:04:05***"

// Clock supplies the current local time. Abstracted so tests can pin the
// timestamp without sleeping or racing real time.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production: time.Now().
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Timestamp renders now in the log's exact timestamp format.
func Timestamp(now time.Time) string {
	return now.Local().Format(timestampLayout)
}
