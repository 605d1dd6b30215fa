package billing

import (
	"math"
	"time"
)

// =============================================================================
// CLOCK - Injected so tests can pin "now"
// =============================================================================

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// =============================================================================
// CALENDAR DATES - Due dates compare by day, never by time of day
// =============================================================================

// calendarDay truncates t to midnight in loc.
func calendarDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = t.Location()
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// daysBetween returns the number of calendar days from a to b in loc.
// Negative when b is before a.
func daysBetween(a, b time.Time, loc *time.Location) int {
	da := calendarDay(a, loc)
	db := calendarDay(b, loc)
	// Round to absorb DST shifts of +-1h.
	return int(math.Floor((db.Sub(da).Hours() + 12) / 24))
}

// ParseDate accepts "2006-01-02" or RFC3339 and returns the instant in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
