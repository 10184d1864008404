// Package statusfmt holds the human-readable formatting helpers backing
// the status CLI surface: durations as compact uptime strings and large
// counts with thousands separators.
package statusfmt

import (
	"fmt"
	"strings"
	"time"
)

// Uptime formats a duration as a compact uptime string.
// Examples: "4h 23m", "2d 5h", "45m", "30s".
func Uptime(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// Count formats an integer with comma separators (e.g., 200000 → "200,000").
func Count(n int) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	if len(s) > 3 {
		var sb strings.Builder
		remainder := len(s) % 3
		if remainder > 0 {
			sb.WriteString(s[:remainder])
		}
		for i := remainder; i < len(s); i += 3 {
			if sb.Len() > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(s[i : i+3])
		}
		s = sb.String()
	}
	if neg {
		return "-" + s
	}
	return s
}
