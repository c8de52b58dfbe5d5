package relay

import (
	"strings"
	"time"
)

const dueDateLayoutDate = "2006-01-02"

var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseDueDate parses a stored due date. Date-only values are midnight UTC.
func ParseDueDate(raw string) (time.Time, bool) {
	dueDate, _, ok := parseDueDate(raw)
	return dueDate, ok
}

// NormalizeDueDate validates raw and returns its canonical stored form.
func NormalizeDueDate(raw string) (string, error) {
	dueDate, dateOnly, ok := parseDueDate(raw)
	if !ok {
		return "", ErrInvalidDueDate
	}
	return formatDueDate(dueDate, dateOnly), nil
}

// ExpiresAt is the last instant the subscription is valid: the whole calendar day of the due date.
func ExpiresAt(dueDate string) (time.Time, bool) {
	parsed, ok := ParseDueDate(dueDate)
	if !ok {
		return time.Time{}, false
	}
	return parsed.Add(dueDateGrace), true
}

// IsExpired reports whether now is past the due date's last valid instant.
// An absent or unparsable due date never expires.
func IsExpired(dueDate string, now time.Time) bool {
	expiresAt, ok := ExpiresAt(dueDate)
	if !ok {
		return false
	}
	return now.After(expiresAt)
}

// RenewMonth adds one calendar month to the stored due date, or to now when none is parsable.
// Day overflow clamps to the last day of the target month.
func RenewMonth(dueDate string, now time.Time) string {
	base, dateOnly, ok := parseDueDate(dueDate)
	if !ok {
		base = now.UTC()
		dateOnly = true
	}
	return formatDueDate(AddMonthClamped(base), dateOnly)
}

// AddMonthClamped adds one calendar month, clamping Jan 31 to the last day of February.
func AddMonthClamped(base time.Time) time.Time {
	year, month, day := base.Date()
	firstOfTarget := time.Date(year, month+1, 1, 0, 0, 0, 0, base.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

func parseDueDate(raw string) (time.Time, bool, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false, false
	}
	if parsed, err := time.Parse(dueDateLayoutDate, trimmed); err == nil {
		return parsed, true, true
	}
	for _, layout := range dueDateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), false, true
		}
	}
	return time.Time{}, false, false
}

func formatDueDate(dueDate time.Time, dateOnly bool) string {
	if dateOnly {
		return dueDate.Format(dueDateLayoutDate)
	}
	return dueDate.UTC().Format(time.RFC3339Nano)
}
