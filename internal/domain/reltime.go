package domain

import (
	"fmt"
	"time"
)

// RelativeTime renders ts relative to now for activity feeds:
// "just now", "5m ago", "3h ago", "2d ago", "1w ago", or a calendar date
// once the timestamp is five weeks old. Future timestamps read "just now".
func RelativeTime(ts, now time.Time) string {
	d := now.Sub(ts)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	case d < 5*7*24*time.Hour:
		return fmt.Sprintf("%dw ago", int(d/(7*24*time.Hour)))
	default:
		return ts.Format("Jan 2, 2006")
	}
}
