package availability

import "parking-service/internal/interval"

// UnavailabilityLedger holds a parking's blackout windows. Any single window
// hit blocks a request.
type UnavailabilityLedger struct {
	windows []UnavailabilityWindow
}

func NewUnavailabilityLedger(windows []UnavailabilityWindow) *UnavailabilityLedger {
	l := &UnavailabilityLedger{}
	for _, w := range windows {
		if w.DeletedAt.Valid || w.Interval.IsEmpty() {
			continue
		}
		l.windows = append(l.windows, w)
	}
	return l
}

func (l *UnavailabilityLedger) IsBlacked(iv interval.Interval) bool {
	for _, w := range l.windows {
		if interval.Overlaps(w.Interval, iv) {
			return true
		}
	}
	return false
}

// Overlapping returns the windows that intersect iv.
func (l *UnavailabilityLedger) Overlapping(iv interval.Interval) []UnavailabilityWindow {
	var out []UnavailabilityWindow
	for _, w := range l.windows {
		if interval.Overlaps(w.Interval, iv) {
			out = append(out, w)
		}
	}
	return out
}

// Blocked is the union of all windows, clipped to window.
func (l *UnavailabilityLedger) Blocked(window interval.Interval) []interval.Interval {
	ivs := make([]interval.Interval, 0, len(l.windows))
	for _, w := range l.windows {
		ivs = append(ivs, w.Interval)
	}
	return interval.Clip(ivs, window)
}

// FreeFragments is window minus every blackout.
func (l *UnavailabilityLedger) FreeFragments(window interval.Interval) []interval.Interval {
	return interval.SubtractAll([]interval.Interval{window}, l.Blocked(window))
}
