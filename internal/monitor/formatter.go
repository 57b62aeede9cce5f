package monitor

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shipyard/internal/session"
)

// FormatAge formats a duration as "Xh Ym", "Xm" or "Xs".
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int64(d / time.Hour)
	minutes := int64(d%time.Hour) / int64(time.Minute)
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
}

// ShortID trims a session ID for table display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ShortSHA trims a commit SHA.
func ShortSHA(sha string) string {
	switch {
	case sha == "":
		return "unknown"
	case len(sha) > 7:
		return sha[:7]
	default:
		return sha
	}
}

// Ratio returns part/whole clamped to [0, 1]. A zero whole is 0.
func Ratio(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	r := float64(part) / float64(whole)
	if r > 1 {
		return 1
	}
	return r
}

func renderStatus(st session.Status) string {
	switch {
	case st == session.StatusMerged:
		return healthyStyle.Render(string(st))
	case st == session.StatusEscalated, st == session.StatusCIFailed, st == session.StatusChangesRequested:
		return warningStyle.Render(string(st))
	case st == session.StatusFailed:
		return errorStyle.Render(string(st))
	case st.IsTerminal():
		return dimStyle.Render(string(st))
	default:
		return valueStyle.Render(string(st))
	}
}
