package cli

import (
	"fmt"
	"time"
)

// FormatBytes renders a byte count in the largest binary unit that keeps
// the value at or above one.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// FormatNanos renders a nanosecond Unix timestamp at the minute
// resolution record listings display.
func FormatNanos(ns int64) string {
	return time.Unix(0, ns).Format("2006-01-02 15:04")
}

// FormatAgo renders the distance from t to now in the coarsest sensible
// unit: "45s ago", "12m ago", "3h ago", "2d ago".
func FormatAgo(t time.Time) string {
	return formatAgo(time.Since(t))
}

func formatAgo(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
