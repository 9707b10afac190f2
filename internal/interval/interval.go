// Package interval implements half-open time ranges and the set algebra
// the availability engine is built on.
package interval

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrEmpty is returned by New when start is not strictly before end.
var ErrEmpty = errors.New("interval start must be before end")

// Interval is the half-open range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func New(start, end time.Time) (Interval, error) {
	if !start.Before(end) {
		return Interval{}, ErrEmpty
	}
	return Interval{Start: start, End: end}, nil
}

// IsEmpty reports whether the interval covers no time at all.
func (iv Interval) IsEmpty() bool { return !iv.Start.Before(iv.End) }

func (iv Interval) Duration() time.Duration {
	if iv.IsEmpty() {
		return 0
	}
	return iv.End.Sub(iv.Start)
}

// In returns the same instants expressed in loc.
func (iv Interval) In(loc *time.Location) Interval {
	return Interval{Start: iv.Start.In(loc), End: iv.End.In(loc)}
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// Overlaps is strict: intervals that only touch at an endpoint do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Contains reports whether inner lies entirely within outer.
func Contains(outer, inner Interval) bool {
	return !inner.Start.Before(outer.Start) && !inner.End.After(outer.End)
}

// Intersect returns the common part of a and b, if any.
func Intersect(a, b Interval) (Interval, bool) {
	out := Interval{Start: later(a.Start, b.Start), End: earlier(a.End, b.End)}
	if out.IsEmpty() {
		return Interval{}, false
	}
	return out, true
}

// Subtract returns a minus b as zero, one or two fragments.
func Subtract(a, b Interval) []Interval {
	if a.IsEmpty() {
		return nil
	}
	if !Overlaps(a, b) {
		return []Interval{a}
	}
	var out []Interval
	if a.Start.Before(b.Start) {
		out = append(out, Interval{Start: a.Start, End: b.Start})
	}
	if b.End.Before(a.End) {
		out = append(out, Interval{Start: b.End, End: a.End})
	}
	return out
}

// Merge normalizes a set of intervals: empty ones are dropped, the rest are
// sorted by start and overlapping or touching intervals are coalesced.
// The input slice is left untouched.
func Merge(ivs []Interval) []Interval {
	sorted := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if !iv.IsEmpty() {
			sorted = append(sorted, iv)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// IntersectAll returns the points covered by both sets, normalized.
func IntersectAll(xs, ys []Interval) []Interval {
	xs, ys = Merge(xs), Merge(ys)
	var out []Interval
	i, j := 0, 0
	for i < len(xs) && j < len(ys) {
		if iv, ok := Intersect(xs[i], ys[j]); ok {
			out = append(out, iv)
		}
		if xs[i].End.Before(ys[j].End) {
			i++
		} else {
			j++
		}
	}
	return Merge(out)
}

// SubtractAll returns the points of xs not covered by ys, normalized.
func SubtractAll(xs, ys []Interval) []Interval {
	rest := Merge(xs)
	for _, cut := range Merge(ys) {
		var next []Interval
		for _, iv := range rest {
			next = append(next, Subtract(iv, cut)...)
		}
		rest = next
		if len(rest) == 0 {
			return nil
		}
	}
	return rest
}

// Clip restricts a set of intervals to window.
func Clip(ivs []Interval, window Interval) []Interval {
	return IntersectAll(ivs, []Interval{window})
}

// Total sums the durations of a normalized set.
func Total(ivs []Interval) time.Duration {
	var d time.Duration
	for _, iv := range Merge(ivs) {
		d += iv.Duration()
	}
	return d
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
