package settlement

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Calendar day on the server's clock
// =============================================================================

// DayLayout is the wire and storage format of a Day.
const DayLayout = "2006-01-02"

// Day is a civil calendar date. Claims are limited to one per position per
// Day, with the boundary taken from the server clock and location, never
// from the client.
type Day struct {
	t time.Time // midnight UTC of the date
}

func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the calendar day containing t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return NewDay(local.Year(), local.Month(), local.Day())
}

// ParseDay parses a YYYY-MM-DD string. The empty string yields the zero Day.
func ParseDay(s string) (Day, error) {
	if s == "" {
		return Day{}, nil
	}
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return NewDay(t.Year(), t.Month(), t.Day()), nil
}

// Comparison
func (d Day) Before(o Day) bool { return d.t.Before(o.t) }
func (d Day) After(o Day) bool  { return d.t.After(o.t) }
func (d Day) Equal(o Day) bool  { return d.t.Equal(o.t) }
func (d Day) IsZero() bool      { return d.t.IsZero() }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time { return d.t }

// String formats the day as YYYY-MM-DD, or "" for the zero Day.
func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DayLayout)
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies the server's notion of now.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. Used by tests and replays.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
