package availability

import (
	"errors"
	"fmt"
)

var (
	ErrParkingNotFound    = errors.New("parking not found")
	ErrBookingNotFound    = errors.New("booking not found")
	ErrRuleNotFound       = errors.New("availability rule not found")
	ErrWindowNotFound     = errors.New("unavailability window not found")
	ErrInvalidTimezone    = errors.New("invalid parking timezone")
	ErrInvalidRule        = errors.New("invalid availability rule")
	ErrInvalidWindow      = errors.New("invalid unavailability window")
	ErrInvalidTransition  = errors.New("invalid booking status transition")
	ErrConcurrentConflict = errors.New("booking lost a concurrent reservation race")
)

// ConflictError reports the active booking that blocked an atomic insert.
type ConflictError struct {
	BookingID string
}

func (e *ConflictError) Error() string {
	if e.BookingID == "" {
		return ErrConcurrentConflict.Error()
	}
	return fmt.Sprintf("%s: conflicts with booking %s", ErrConcurrentConflict, e.BookingID)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentConflict }
