package availability

import (
	"time"

	"parking-service/internal/interval"
)

// BillableMinutes counts every started minute of iv.
func BillableMinutes(iv interval.Interval) int64 {
	d := iv.Duration()
	minutes := int64(d / time.Minute)
	if d%time.Minute != 0 {
		minutes++
	}
	return minutes
}

// Quote prorates hourlyRateCents by minute, rounding half up to the nearest cent.
func Quote(iv interval.Interval, hourlyRateCents int64) int64 {
	if hourlyRateCents <= 0 {
		return 0
	}
	return (BillableMinutes(iv)*hourlyRateCents + 30) / 60
}
