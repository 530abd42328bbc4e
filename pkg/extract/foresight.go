package extract

import (
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// sanitizeDate strips everything but digits and hyphens from a model
// supplied date and validates the remainder as a calendar date. Invalid
// input yields "".
func sanitizeDate(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '-' {
			sb.WriteRune(r)
		}
	}
	t, err := time.Parse(dateLayout, sb.String())
	if err != nil {
		return ""
	}
	return t.Format(dateLayout)
}

// normalizeWindow fills in whichever of start, end and duration is
// missing when the other two are known. An inverted window is dropped
// rather than guessed at.
func normalizeWindow(start, end string, days int) (string, string, int) {
	switch {
	case start != "" && end != "":
		s, _ := time.Parse(dateLayout, start)
		e, _ := time.Parse(dateLayout, end)
		if e.Before(s) {
			return "", "", 0
		}
		return start, end, int(e.Sub(s).Hours() / 24)
	case start != "" && days > 0:
		s, _ := time.Parse(dateLayout, start)
		return start, s.AddDate(0, 0, days).Format(dateLayout), days
	case end != "" && days > 0:
		e, _ := time.Parse(dateLayout, end)
		return e.AddDate(0, 0, -days).Format(dateLayout), end, days
	}
	if days < 0 {
		days = 0
	}
	return start, end, days
}
