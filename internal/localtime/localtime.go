// Package localtime converts between the engine's internal UTC instants
// and the plant's display timezone. All scheduling math happens in UTC;
// these two functions are the only conversion points.
package localtime

import (
	"fmt"
	"time"
)

// Converter converts instants between UTC and one display timezone.
type Converter struct {
	loc *time.Location
}

// New returns a Converter for the named IANA timezone.
func New(timezone string) (*Converter, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("localtime: load %q: %w", timezone, err)
	}
	return &Converter{loc: loc}, nil
}

// ToLocal renders a UTC instant in the display timezone. The instant is
// unchanged; only the wall-clock representation moves.
func (c *Converter) ToLocal(t time.Time) time.Time {
	return t.In(c.loc)
}

// FromLocal interprets t's wall-clock fields in the display timezone and
// returns the corresponding UTC instant. Applying FromLocal to a ToLocal
// result round-trips exactly.
func (c *Converter) FromLocal(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), c.loc).UTC()
}

// ParseLocal parses "2006-01-02 15:04" as a wall-clock time in the
// display timezone and returns the UTC instant.
func (c *Converter) ParseLocal(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("localtime: parse %q: %w", s, err)
	}
	return t.UTC(), nil
}
