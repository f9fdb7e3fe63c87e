package billing

import (
	"strings"
	"time"
)

// =============================================================================
// DATE - Calendar date without a time component
// =============================================================================

// DateLayout is the wire format of every calendar date in the billing engine.
const DateLayout = "2006-01-02"

// CompetenceLayout formats the billing month of an installment.
const CompetenceLayout = "2006-01"

// Date is a calendar date. The zero value is "no date".
type Date struct {
	t time.Time
}

// NewDate builds a date. Out-of-range days normalize the way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates an instant to its calendar date in the instant's location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD string. A trailing time component
// (RFC 3339) is accepted and dropped.
func ParseDate(raw string) (Date, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > len(DateLayout) {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return DateOf(t), nil
		}
	}
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals known to be valid.
func MustParseDate(raw string) Date {
	d, err := ParseDate(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }

// Properties
func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }
func (d Date) IsZero() bool      { return d.t.IsZero() }
func (d Date) Time() time.Time   { return d.t }

// Competence returns the YYYY-MM label of the month the date falls in.
func (d Date) Competence() string { return d.t.Format(CompetenceLayout) }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// AddMonthsClamped moves n months forward keeping the day of month, clamped
// to the last day of the target month (Jan 31 + 1 month = Feb 28/29).
func (d Date) AddMonthsClamped(n int) Date {
	target := StartOfMonth(d.Year(), d.Month()+time.Month(n))
	last := EndOfMonth(target.Year(), target.Month()).Day()
	return NewDate(target.Year(), target.Month(), min(d.Day(), last))
}

func StartOfMonth(year int, month time.Month) Date { return NewDate(year, month, 1) }

func EndOfMonth(year int, month time.Month) Date {
	return DateOf(time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1))
}

// =============================================================================
// CLOCK - Injectable "now"
// =============================================================================

// Clock supplies the current instant. Status decisions that depend on "today"
// go through a Clock so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

// Today returns the clock's current calendar date.
func Today(c Clock) Date {
	if c == nil {
		c = SystemClock{}
	}
	return DateOf(c.Now())
}
