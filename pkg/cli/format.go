package cli

import (
	"fmt"
	"time"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
)

// FormatDuration formats a duration to a human readable string
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	secs := d.Seconds()
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	mins := int(secs / 60)
	secs = secs - float64(mins*60)
	return fmt.Sprintf("%dm%.1fs", mins, secs)
}

// FormatClock formats an epoch-milli timestamp as local wall time,
// for transcript and chat lines in the monitor
func FormatClock(t jsontime.Milli) string {
	return t.Time().Local().Format("15:04:05")
}
