package cart

import (
	"fmt"
	"strings"
	"time"
)

// ParseDeliveryDate parses a delivery date. Supported forms:
//   - "2026-10-20"           (YYYY-MM-DD)
//   - "10/20/2026"           (MM/DD/YYYY)
//   - "2026-10-20T06:00:00Z" (RFC3339, date part is used)
//
// The result is midnight UTC of that day.
func ParseDeliveryDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return day(t), nil
	}
	for _, layout := range []string{"2006-01-02", "01/02/2006", "1/2/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid delivery date %q. Use YYYY-MM-DD (e.g., 2026-10-20)", s)
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDeliveryDay returns the first day after from that is not in closed.
func NextDeliveryDay(from time.Time, closed ...time.Weekday) time.Time {
	d := day(from).AddDate(0, 0, 1)
	for i := 0; i < 7; i++ {
		open := true
		for _, c := range closed {
			if d.Weekday() == c {
				open = false
				break
			}
		}
		if open {
			return d
		}
		d = d.AddDate(0, 0, 1)
	}
	return d
}
