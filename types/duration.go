package types

import (
	"strconv"
	"strings"
	"time"
)

// HumanDuration renders whole seconds as "1 hour 2 minutes 3 seconds".
// Minutes are shown once an hour has passed even when zero.
func HumanDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	seconds -= minutes * 60
	hours := minutes / 60
	minutes -= hours * 60

	var b strings.Builder
	if hours != 0 {
		b.WriteString(strconv.FormatInt(hours, 10) + " hour")
		if hours > 1 {
			b.WriteString("s")
		}
		b.WriteString(" ")
	}
	if minutes != 0 || hours > 0 {
		b.WriteString(strconv.FormatInt(minutes, 10) + " minute")
		if minutes != 1 {
			b.WriteString("s")
		}
		b.WriteString(" ")
	}
	b.WriteString(strconv.FormatInt(seconds, 10) + " second")
	if seconds != 1 {
		b.WriteString("s")
	}
	return b.String()
}
