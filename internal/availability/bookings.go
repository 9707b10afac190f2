package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parking-service/internal/interval"
)

// BookingLedger is the only writer of bookings. Writes for one parking are
// serialized in-process, and the store re-checks overlap atomically so that
// several processes sharing a database stay consistent too.
type BookingLedger struct {
	store BookingStore
	locks *KeyedMutex
}

func NewBookingLedger(store BookingStore) *BookingLedger {
	return &BookingLedger{store: store, locks: NewKeyedMutex()}
}

// Active returns pending and confirmed bookings overlapping window.
func (l *BookingLedger) Active(ctx context.Context, parkingID string, window interval.Interval) ([]Booking, error) {
	bookings, err := l.store.ActiveBookings(ctx, parkingID, window)
	if err != nil {
		return nil, fmt.Errorf("load active bookings: %w", err)
	}
	out := bookings[:0:0]
	for _, b := range bookings {
		if b.Status.Occupies() && interval.Overlaps(b.Interval, window) {
			out = append(out, b)
		}
	}
	return out, nil
}

// HasConflict returns the id of the first active booking overlapping iv,
// ignoring excludeBookingID, or "" when the interval is free.
func (l *BookingLedger) HasConflict(ctx context.Context, parkingID string, iv interval.Interval, excludeBookingID string) (string, error) {
	active, err := l.Active(ctx, parkingID, iv)
	if err != nil {
		return "", err
	}
	for _, b := range active {
		if b.ID == excludeBookingID {
			continue
		}
		return b.ID, nil
	}
	return "", nil
}

// Reserve inserts b as a pending booking unless an overlapping active booking
// exists at the time of the write.
func (l *BookingLedger) Reserve(ctx context.Context, b Booking) (Booking, error) {
	unlock := l.locks.Lock(b.ParkingID)
	defer unlock()

	b.Status = StatusPending
	created, err := l.store.InsertIfFree(ctx, b)
	if err != nil {
		return Booking{}, wrapConflict(err, "reserve booking")
	}
	return created, nil
}

// Reschedule moves an active booking to iv, never colliding with itself.
func (l *BookingLedger) Reschedule(ctx context.Context, parkingID, bookingID string, iv interval.Interval, priceCents int64) (Booking, error) {
	unlock := l.locks.Lock(parkingID)
	defer unlock()

	moved, err := l.store.MoveIfFree(ctx, bookingID, iv, priceCents)
	if err != nil {
		return Booking{}, wrapConflict(err, "reschedule booking")
	}
	return moved, nil
}

// Transition applies a lifecycle change. Completing requires the booking
// to have ended by now.
func (l *BookingLedger) Transition(ctx context.Context, bookingID string, to Status, now time.Time) (Booking, error) {
	b, err := l.store.Booking(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if !b.Status.CanTransition(to) {
		return Booking{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	if to == StatusCompleted && now.Before(b.Interval.End) {
		return Booking{}, fmt.Errorf("%w: booking has not ended yet", ErrInvalidTransition)
	}
	return l.store.UpdateStatus(ctx, bookingID, b.Status, to)
}

func wrapConflict(err error, op string) error {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
