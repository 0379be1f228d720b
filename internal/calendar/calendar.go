// Package calendar determines working days, working windows, and break
// exclusions for the scheduling engine. All instants are UTC at minute
// precision.
package calendar

import (
	"fmt"
	"time"

	"github.com/zulandar/pressline/internal/config"
)

// Window is a half-open interval [Start, End) of working time.
type Window struct {
	Start time.Time
	End   time.Time
}

// Minutes returns the window length in whole minutes.
func (w Window) Minutes() int {
	return int(w.End.Sub(w.Start) / time.Minute)
}

// BreakOverlapError reports a placement that intersects the configured
// midday break. The engine allocates per segment, so this surfaces only
// on misconfiguration (break outside the working window) or a corrupted
// placement.
type BreakOverlapError struct {
	Start time.Time
	End   time.Time
}

func (e *BreakOverlapError) Error() string {
	return fmt.Sprintf("calendar: placement %s-%s overlaps the midday break",
		e.Start.Format("2006-01-02 15:04"), e.End.Format("15:04"))
}

// HorizonExceededError reports a day-advance search that ran past the
// scheduling horizon, e.g. on an all-holiday calendar.
type HorizonExceededError struct {
	HorizonDays int
}

func (e *HorizonExceededError) Error() string {
	return fmt.Sprintf("calendar: no working time within %d days", e.HorizonDays)
}

// busyPeriod is a resolved busy-period override.
type busyPeriod struct {
	from, to  string // inclusive date keys
	open, end int    // minutes from midnight
}

// Calendar answers working-time questions from a validated configuration.
type Calendar struct {
	open, end        int // workday window, minutes from midnight
	brkStart, brkEnd int // -1 if no break configured
	weekend          map[time.Weekday]bool
	holidays         map[string]bool
	busy             []busyPeriod
	horizonDays      int
}

// New builds a Calendar. cfg must already be validated by the config
// package; horizonDays caps every day-advance search.
func New(cfg config.CalendarConfig, horizonDays int) (*Calendar, error) {
	open, err := clockMinutes(cfg.WorkdayOpen)
	if err != nil {
		return nil, fmt.Errorf("calendar: workday_open: %w", err)
	}
	end, err := clockMinutes(cfg.WorkdayEnd)
	if err != nil {
		return nil, fmt.Errorf("calendar: workday_end: %w", err)
	}
	if end <= open {
		return nil, fmt.Errorf("calendar: workday_end %s must be after workday_open %s", cfg.WorkdayEnd, cfg.WorkdayOpen)
	}

	c := &Calendar{
		open:        open,
		end:         end,
		brkStart:    -1,
		brkEnd:      -1,
		weekend:     make(map[time.Weekday]bool),
		holidays:    make(map[string]bool),
		horizonDays: horizonDays,
	}
	if c.horizonDays <= 0 {
		c.horizonDays = 365
	}

	if cfg.BreakStart != "" {
		bs, err := clockMinutes(cfg.BreakStart)
		if err != nil {
			return nil, fmt.Errorf("calendar: break_start: %w", err)
		}
		be, err := clockMinutes(cfg.BreakEnd)
		if err != nil {
			return nil, fmt.Errorf("calendar: break_end: %w", err)
		}
		if be <= bs {
			return nil, fmt.Errorf("calendar: break_end must be after break_start")
		}
		if bs < open || be > end {
			return nil, fmt.Errorf("calendar: break %s-%s is outside the working window", cfg.BreakStart, cfg.BreakEnd)
		}
		c.brkStart, c.brkEnd = bs, be
	}

	for _, d := range cfg.Weekend {
		c.weekend[weekdayByName(d)] = true
	}
	for _, h := range cfg.Holidays {
		c.holidays[h] = true
	}
	for _, bp := range cfg.BusyPeriods {
		bo, err := clockMinutes(bp.WorkdayOpen)
		if err != nil {
			return nil, fmt.Errorf("calendar: busy period open: %w", err)
		}
		be, err := clockMinutes(bp.WorkdayEnd)
		if err != nil {
			return nil, fmt.Errorf("calendar: busy period end: %w", err)
		}
		if be <= bo {
			return nil, fmt.Errorf("calendar: busy period %s-%s window is empty", bp.From, bp.To)
		}
		c.busy = append(c.busy, busyPeriod{from: bp.From, to: bp.To, open: bo, end: be})
	}

	return c, nil
}

// DateKey formats a UTC instant as its calendar date key.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// IsWorkingDay reports whether the date of t (UTC) is a working day:
// not a weekend day and not a registered holiday.
func (c *Calendar) IsWorkingDay(t time.Time) bool {
	t = t.UTC()
	if c.weekend[t.Weekday()] {
		return false
	}
	return !c.holidays[DateKey(t)]
}

// WorkingWindow returns the open/close instants for the date of t,
// applying any active busy-period override. The window is returned even
// for non-working days; callers gate on IsWorkingDay.
func (c *Calendar) WorkingWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	open, end := c.open, c.end
	key := DateKey(t)
	for _, bp := range c.busy {
		if key >= bp.from && key <= bp.to {
			open, end = bp.open, bp.end
			break
		}
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(time.Duration(open) * time.Minute), midnight.Add(time.Duration(end) * time.Minute)
}

// Segments returns the working intervals for the date of t: the working
// window minus the midday break. Non-working days yield nil. The break
// is clamped to the (possibly busy-period-adjusted) window.
func (c *Calendar) Segments(t time.Time) []Window {
	if !c.IsWorkingDay(t) {
		return nil
	}
	open, end := c.WorkingWindow(t)
	if c.brkStart < 0 {
		return []Window{{Start: open, End: end}}
	}

	midnight := time.Date(open.Year(), open.Month(), open.Day(), 0, 0, 0, 0, time.UTC)
	bs := midnight.Add(time.Duration(c.brkStart) * time.Minute)
	be := midnight.Add(time.Duration(c.brkEnd) * time.Minute)
	if !bs.After(open) && !be.Before(end) {
		return nil // break swallows the whole window (degenerate config)
	}
	if !bs.After(open) {
		return []Window{{Start: be, End: end}}
	}
	if !be.Before(end) {
		return []Window{{Start: open, End: bs}}
	}
	return []Window{{Start: open, End: bs}, {Start: be, End: end}}
}

// NextWorkingInstant returns t unchanged when it falls inside a working
// segment; otherwise it advances to the start of the next segment,
// crossing days as needed. The search is capped at the horizon.
func (c *Calendar) NextWorkingInstant(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute)
	cursor := t
	for day := 0; day <= c.horizonDays; day++ {
		for _, seg := range c.Segments(cursor) {
			if cursor.Before(seg.Start) {
				return seg.Start, nil
			}
			if cursor.Before(seg.End) {
				return cursor, nil
			}
		}
		cursor = nextMidnight(cursor)
	}
	return time.Time{}, &HorizonExceededError{HorizonDays: c.horizonDays}
}

// MinutesUntilSegmentEnd returns the whole minutes from t to the end of
// the segment containing t, or 0 when t is outside every segment.
func (c *Calendar) MinutesUntilSegmentEnd(t time.Time) int {
	t = t.UTC().Truncate(time.Minute)
	for _, seg := range c.Segments(t) {
		if !t.Before(seg.Start) && t.Before(seg.End) {
			return int(seg.End.Sub(t) / time.Minute)
		}
	}
	return 0
}

// EnsureOutsideBreak verifies that the placement [start, end) does not
// intersect the midday break on its date.
func (c *Calendar) EnsureOutsideBreak(start, end time.Time) error {
	if c.brkStart < 0 {
		return nil
	}
	start, end = start.UTC(), end.UTC()
	midnight := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	bs := midnight.Add(time.Duration(c.brkStart) * time.Minute)
	be := midnight.Add(time.Duration(c.brkEnd) * time.Minute)
	if start.Before(be) && end.After(bs) {
		return &BreakOverlapError{Start: start, End: end}
	}
	return nil
}

// HorizonDays returns the configured day-advance cap.
func (c *Calendar) HorizonDays() int {
	return c.horizonDays
}

// clockMinutes parses "HH:MM" into minutes from midnight.
func clockMinutes(s string) (int, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a clock time (HH:MM)", s)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// weekdayByName maps a day name to its time.Weekday. Names are validated
// by the config package.
func weekdayByName(name string) time.Weekday {
	switch name {
	case "Sunday":
		return time.Sunday
	case "Monday":
		return time.Monday
	case "Tuesday":
		return time.Tuesday
	case "Wednesday":
		return time.Wednesday
	case "Thursday":
		return time.Thursday
	case "Friday":
		return time.Friday
	default:
		return time.Saturday
	}
}

// nextMidnight returns 00:00 UTC on the day after t.
func nextMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
