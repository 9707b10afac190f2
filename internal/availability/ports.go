package availability

import (
	"context"

	"parking-service/internal/interval"
)

// Directory resolves parking metadata (timezone, rate, owner).
type Directory interface {
	Parking(ctx context.Context, parkingID string) (Parking, error)
}

// RuleSource returns a parking's weekly rules. Soft-deleted rules may be
// returned; the calendar ignores them.
type RuleSource interface {
	WeeklyRules(ctx context.Context, parkingID string) ([]WeeklyRule, error)
}

// BlackoutSource returns the windows intersecting window.
type BlackoutSource interface {
	UnavailabilityWindows(ctx context.Context, parkingID string, window interval.Interval) ([]UnavailabilityWindow, error)
}

// BookingStore is the authoritative record of occupied time. InsertIfFree
// and MoveIfFree must check for overlapping active bookings and write in one
// atomic step, returning *ConflictError when they lose.
type BookingStore interface {
	ActiveBookings(ctx context.Context, parkingID string, window interval.Interval) ([]Booking, error)
	Booking(ctx context.Context, bookingID string) (Booking, error)
	InsertIfFree(ctx context.Context, b Booking) (Booking, error)
	MoveIfFree(ctx context.Context, bookingID string, iv interval.Interval, priceCents int64) (Booking, error)
	// UpdateStatus changes the status only if it still equals from.
	UpdateStatus(ctx context.Context, bookingID string, from, to Status) (Booking, error)
}

// RuleWriter is the owner-facing CRUD for weekly rules.
type RuleWriter interface {
	CreateRule(ctx context.Context, r WeeklyRule) (WeeklyRule, error)
	UpdateRule(ctx context.Context, r WeeklyRule) (WeeklyRule, error)
	DeleteRule(ctx context.Context, parkingID, ruleID string) error
}

// BlackoutWriter is the owner-facing CRUD for unavailability windows.
type BlackoutWriter interface {
	CreateWindow(ctx context.Context, w UnavailabilityWindow) (UnavailabilityWindow, error)
	DeleteWindow(ctx context.Context, parkingID, windowID string) error
}

// Publisher announces booking lifecycle changes.
type Publisher interface {
	BookingChanged(ctx context.Context, event string, b Booking) error
}

type nopPublisher struct{}

func (nopPublisher) BookingChanged(context.Context, string, Booking) error { return nil }
