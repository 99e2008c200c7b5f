package extractor

import (
	"fmt"
	"strings"
	"time"
)

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// storedPrecision is the coarsest timestamp resolution among the store backends
// (sqlite keeps milliseconds). Dates finer than this would never compare equal
// after a round trip.
const storedPrecision = time.Millisecond

// ParseDate parses the date formats seen in event markup. Values without an explicit zone
// are interpreted in loc. The result is UTC, truncated to storedPrecision.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().Truncate(storedPrecision), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC().Truncate(storedPrecision), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
