package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/guregu/null.v4"

	"parking-service/internal/interval"
)

// Parking is the directory record the resolver needs for one spot.
type Parking struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	Timezone        string `json:"timezone"`
	HourlyRateCents int64  `json:"hourly_rate_cents"`
}

// Location resolves the parking's IANA timezone.
func (p Parking) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, p.Timezone)
	}
	return loc, nil
}

// ClockTime is a civil time of day in minutes since local midnight.
// EndOfDay (24:00) is only meaningful as a closing time.
type ClockTime int

const EndOfDay ClockTime = 24 * 60

// ParseClock accepts "HH:MM" and longer database renderings like "09:00:00".
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	if len(s) < 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time string: %s", s)
	}
	s = s[:5]
	if s == "24:00" {
		return EndOfDay, nil
	}
	h, errH := strconv.Atoi(s[:2])
	m, errM := strconv.Atoi(s[3:])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time string: %s", s)
	}
	return ClockTime(h*60 + m), nil
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

func (c ClockTime) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// On returns the instant this clock time denotes on the given civil date in loc.
func (c ClockTime) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, c.Hour(), c.Minute(), 0, 0, loc)
}

// ISOWeekday maps time.Weekday onto 1 (Monday) .. 7 (Sunday).
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// WeeklyRule opens a parking between Open and Close every DayOfWeek.
type WeeklyRule struct {
	ID        string    `json:"id"`
	ParkingID string    `json:"parking_id"`
	DayOfWeek int       `json:"day_of_week"`
	Open      ClockTime `json:"open"`
	Close     ClockTime `json:"close"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	DeletedAt null.Time `json:"deleted_at"`
}

func (r WeeklyRule) Validate() error {
	if r.ParkingID == "" {
		return fmt.Errorf("%w: parking_id is required", ErrInvalidRule)
	}
	if r.DayOfWeek < 1 || r.DayOfWeek > 7 {
		return fmt.Errorf("%w: day_of_week must be between 1 and 7", ErrInvalidRule)
	}
	if r.Open < 0 || r.Close > EndOfDay || r.Open >= r.Close {
		return fmt.Errorf("%w: open must be before close", ErrInvalidRule)
	}
	return nil
}

// Active reports whether the rule takes part in resolution.
func (r WeeklyRule) Active() bool { return r.Enabled && !r.DeletedAt.Valid }

const (
	SourceManual         = "manual"
	SourceGoogleCalendar = "google_calendar"
)

// UnavailabilityWindow blocks a parking regardless of its weekly rules.
type UnavailabilityWindow struct {
	ID        string            `json:"id"`
	ParkingID string            `json:"parking_id"`
	Interval  interval.Interval `json:"interval"`
	Reason    string            `json:"reason"`
	Source    string            `json:"source"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
	DeletedAt null.Time         `json:"deleted_at"`
}

func (w UnavailabilityWindow) Validate() error {
	if w.ParkingID == "" {
		return fmt.Errorf("%w: parking_id is required", ErrInvalidWindow)
	}
	if w.Interval.IsEmpty() {
		return fmt.Errorf("%w: %v", ErrInvalidWindow, interval.ErrEmpty)
	}
	if strings.TrimSpace(w.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidWindow)
	}
	return nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

// Occupies reports whether a booking in this status blocks its interval.
func (s Status) Occupies() bool { return s == StatusPending || s == StatusConfirmed }

// CanTransition validates a lifecycle change. Completion additionally
// requires the booking to have ended, which the ledger checks.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusConfirmed || to == StatusCanceled
	case StatusConfirmed:
		return to == StatusCanceled || to == StatusCompleted
	}
	return false
}

// Booking occupies Interval on a parking while pending or confirmed.
type Booking struct {
	ID              string            `json:"id"`
	ParkingID       string            `json:"parking_id"`
	UserID          string            `json:"user_id"`
	Interval        interval.Interval `json:"interval"`
	Status          Status            `json:"status"`
	TotalPriceCents int64             `json:"total_price_cents"`
	CreatedAt       time.Time         `json:"created_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at,omitempty"`
}

// Reason explains a rejected Decision.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidInterval     Reason = "INVALID_INTERVAL"
	ReasonPastInterval        Reason = "PAST_INTERVAL"
	ReasonOutsideOpeningHours Reason = "OUTSIDE_OPENING_HOURS"
	ReasonBlackedOut          Reason = "BLACKED_OUT"
	ReasonAlreadyBooked       Reason = "ALREADY_BOOKED"
	ReasonConcurrentConflict  Reason = "CONCURRENT_CONFLICT"
)

// Decision is the resolver's verdict. It is recomputed on every call.
type Decision struct {
	Accepted             bool   `json:"accepted"`
	Reason               Reason `json:"reason,omitempty"`
	ConflictingBookingID string `json:"conflicting_booking_id,omitempty"`
}

func Accept() Decision { return Decision{Accepted: true} }

func Reject(r Reason) Decision { return Decision{Reason: r} }

func rejectConflict(r Reason, bookingID string) Decision {
	return Decision{Reason: r, ConflictingBookingID: bookingID}
}

// SegmentState classifies a piece of a Timeline.
type SegmentState string

const (
	SegmentFree       SegmentState = "free"
	SegmentClosed     SegmentState = "closed"
	SegmentBlackedOut SegmentState = "blacked_out"
	SegmentBooked     SegmentState = "booked"
)

type Segment struct {
	interval.Interval
	State SegmentState `json:"state"`
}
