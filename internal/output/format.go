package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/stampede-load/stampede/internal/loadtest/metrics"
)

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatMillis formats a metric value in milliseconds.
func formatMillis(ms float64) string {
	switch {
	case ms <= 0:
		return "0s"
	case ms < 1:
		return fmt.Sprintf("%.2fµs", ms*1000)
	case ms < 1000:
		return fmt.Sprintf("%.2fms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.2fs", ms/1000)
	default:
		return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
	}
}

// formatBytes formats a byte count with binary units.
func formatBytes(b float64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%.0f B", b)
	}
	div, exp := float64(unit), 0
	for n := b / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", b/div, "KMGTP"[exp])
}

// formatValue formats a metric value according to what it contains.
func formatValue(v float64, contains metrics.ValueType) string {
	switch contains {
	case metrics.Time:
		return formatMillis(v)
	case metrics.Data:
		return formatBytes(v)
	default:
		return formatNumberFloat(v)
	}
}

func formatNumberFloat(v float64) string {
	if v == float64(int64(v)) {
		return formatNumber(int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
