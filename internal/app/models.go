package app

import (
	"fmt"
	"time"

	"parking-service/internal/availability"
	"parking-service/internal/interval"
)

type ParkingRequest struct {
	Timezone        string `json:"timezone"`
	HourlyRateCents *int64 `json:"hourly_rate_cents" binding:"required,min=0"`
}

type RuleRequest struct {
	DayOfWeek int    `json:"day_of_week" binding:"required,min=1,max=7"`
	Open      string `json:"open" binding:"required"`
	Close     string `json:"close" binding:"required"`
	Enabled   *bool  `json:"enabled"`
}

type RulesRequest struct {
	Rules []RuleRequest `json:"rules" binding:"required,min=1,dive"`
}

// IntervalRequest carries RFC 3339 timestamps with an explicit offset.
type IntervalRequest struct {
	Start string `json:"start" binding:"required"`
	End   string `json:"end" binding:"required"`
}

type WindowRequest struct {
	IntervalRequest
	Reason string `json:"reason" binding:"required"`
}

type ImportRequest struct {
	CalendarID string `json:"calendar_id"`
	From       string `json:"from" binding:"required"`
	To         string `json:"to" binding:"required"`
}

type BookingResponse struct {
	Decision availability.Decision `json:"decision"`
	Booking  *availability.Booking `json:"booking,omitempty"`
}

type WindowResponse struct {
	Window              availability.UnavailabilityWindow `json:"window"`
	ConflictingBookings []string                          `json:"conflicting_bookings"`
}

type QuoteResponse struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	BillableMinutes int64     `json:"billable_minutes"`
	TotalPriceCents int64     `json:"total_price_cents"`
}

func (r RuleRequest) toRule(parkingID string) (availability.WeeklyRule, error) {
	openAt, err := availability.ParseClock(r.Open)
	if err != nil {
		return availability.WeeklyRule{}, fmt.Errorf("%w: open: %v", availability.ErrInvalidRule, err)
	}
	closeAt, err := availability.ParseClock(r.Close)
	if err != nil {
		return availability.WeeklyRule{}, fmt.Errorf("%w: close: %v", availability.ErrInvalidRule, err)
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return availability.WeeklyRule{
		ParkingID: parkingID,
		DayOfWeek: r.DayOfWeek,
		Open:      openAt,
		Close:     closeAt,
		Enabled:   enabled,
	}, nil
}

func (r IntervalRequest) toInterval() (interval.Interval, bool) {
	return parseInterval(r.Start, r.End)
}

func parseInterval(start, end string) (interval.Interval, bool) {
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return interval.Interval{}, false
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return interval.Interval{}, false
	}
	return interval.Interval{Start: from, End: to}, true
}
