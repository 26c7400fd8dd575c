package etl

import (
	"strings"
	"time"
)

// timestampLayouts are the accepted export timestamp forms, tried in order.
// RFC 3339 with nanoseconds covers Skype's seven-digit fractional variant.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an export timestamp string. The bool reports whether
// any accepted layout matched.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidTimestamp reports whether s parses as an export timestamp.
func ValidTimestamp(s string) bool {
	_, ok := ParseTimestamp(s)
	return ok
}
