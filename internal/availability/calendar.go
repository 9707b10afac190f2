package availability

import (
	"time"

	"parking-service/internal/interval"
)

// WeeklyCalendar answers opening-hours questions for one parking. A weekday
// without any active rule is closed.
type WeeklyCalendar struct {
	loc   *time.Location
	byDay map[int][]WeeklyRule
}

func NewWeeklyCalendar(rules []WeeklyRule, loc *time.Location) *WeeklyCalendar {
	if loc == nil {
		loc = time.UTC
	}
	c := &WeeklyCalendar{loc: loc, byDay: make(map[int][]WeeklyRule)}
	for _, r := range rules {
		if !r.Active() || r.Open >= r.Close {
			continue
		}
		c.byDay[r.DayOfWeek] = append(c.byDay[r.DayOfWeek], r)
	}
	return c
}

func (c *WeeklyCalendar) Location() *time.Location { return c.loc }

// Empty reports whether the parking has no opening hours at all.
func (c *WeeklyCalendar) Empty() bool { return len(c.byDay) == 0 }

// OpenWindows returns the merged open windows of the civil date containing day.
func (c *WeeklyCalendar) OpenWindows(day time.Time) []interval.Interval {
	day = day.In(c.loc)
	rules := c.byDay[ISOWeekday(day.Weekday())]
	if len(rules) == 0 {
		return nil
	}
	y, m, d := day.Date()
	windows := make([]interval.Interval, 0, len(rules))
	for _, r := range rules {
		windows = append(windows, interval.Interval{
			Start: r.Open.On(y, m, d, c.loc),
			End:   r.Close.On(y, m, d, c.loc),
		})
	}
	return interval.Merge(windows)
}

// DaySegments splits iv at local midnights.
func (c *WeeklyCalendar) DaySegments(iv interval.Interval) []interval.Interval {
	if iv.IsEmpty() {
		return nil
	}
	var out []interval.Interval
	for day := startOfDay(iv.Start, c.loc); day.Before(iv.End); day = nextDay(day, c.loc) {
		seg, ok := interval.Intersect(iv, interval.Interval{Start: day, End: nextDay(day, c.loc)})
		if ok {
			out = append(out, seg)
		}
	}
	return out
}

// IsWithinOpenHours requires every day segment of iv to sit inside a single
// open window of its own day.
func (c *WeeklyCalendar) IsWithinOpenHours(iv interval.Interval) bool {
	segments := c.DaySegments(iv)
	if len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		if !containedInAny(c.OpenWindows(seg.Start), seg) {
			return false
		}
	}
	return true
}

// OpenIntervals lists all open time inside window.
func (c *WeeklyCalendar) OpenIntervals(window interval.Interval) []interval.Interval {
	var open []interval.Interval
	for _, seg := range c.DaySegments(window) {
		open = append(open, interval.Clip(c.OpenWindows(seg.Start), seg)...)
	}
	return interval.Merge(open)
}

func containedInAny(windows []interval.Interval, seg interval.Interval) bool {
	for _, w := range windows {
		if interval.Contains(w, seg) {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func nextDay(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
