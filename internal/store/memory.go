package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v4"

	"parking-service/internal/availability"
	"parking-service/internal/interval"
)

// Memory is a process-local store. Every write that must not overlap an
// active booking checks and inserts under one lock.
type Memory struct {
	mu       sync.RWMutex
	parkings map[string]availability.Parking
	rules    map[string]*availability.WeeklyRule
	windows  map[string]*availability.UnavailabilityWindow
	bookings map[string]*availability.Booking
	now      func() time.Time
	log      *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		parkings: make(map[string]availability.Parking),
		rules:    make(map[string]*availability.WeeklyRule),
		windows:  make(map[string]*availability.UnavailabilityWindow),
		bookings: make(map[string]*availability.Booking),
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger,
	}
}

func (m *Memory) PutParking(p availability.Parking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parkings[p.ID] = p
}

func (m *Memory) CreateParking(_ context.Context, p availability.Parking) (availability.Parking, error) {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := p.Location(); err != nil {
		return availability.Parking{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.PutParking(p)
	return p, nil
}

func (m *Memory) UpdateParking(_ context.Context, p availability.Parking) (availability.Parking, error) {
	if _, err := p.Location(); err != nil {
		return availability.Parking{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.parkings[p.ID]
	if !ok {
		return availability.Parking{}, availability.ErrParkingNotFound
	}
	cur.Timezone, cur.HourlyRateCents = p.Timezone, p.HourlyRateCents
	m.parkings[p.ID] = cur
	return cur, nil
}

func (m *Memory) Parking(_ context.Context, parkingID string) (availability.Parking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parkings[parkingID]
	if !ok {
		return availability.Parking{}, availability.ErrParkingNotFound
	}
	return p, nil
}

func (m *Memory) WeeklyRules(_ context.Context, parkingID string) ([]availability.WeeklyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []availability.WeeklyRule
	for _, r := range m.rules {
		if r.ParkingID == parkingID && !r.DeletedAt.Valid {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].Open < out[j].Open
	})
	warnIfClosed(m.log, parkingID, out)
	return out, nil
}

func (m *Memory) CreateRule(_ context.Context, r availability.WeeklyRule) (availability.WeeklyRule, error) {
	if err := r.Validate(); err != nil {
		return availability.WeeklyRule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt, r.UpdatedAt, r.DeletedAt = now, now, null.Time{}
	m.rules[r.ID] = &r
	return r, nil
}

func (m *Memory) UpdateRule(_ context.Context, r availability.WeeklyRule) (availability.WeeklyRule, error) {
	if err := r.Validate(); err != nil {
		return availability.WeeklyRule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.ID]
	if !ok || cur.ParkingID != r.ParkingID || cur.DeletedAt.Valid {
		return availability.WeeklyRule{}, availability.ErrRuleNotFound
	}
	cur.DayOfWeek, cur.Open, cur.Close, cur.Enabled = r.DayOfWeek, r.Open, r.Close, r.Enabled
	cur.UpdatedAt = m.now()
	return *cur, nil
}

func (m *Memory) DeleteRule(_ context.Context, parkingID, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[ruleID]
	if !ok || cur.ParkingID != parkingID || cur.DeletedAt.Valid {
		return availability.ErrRuleNotFound
	}
	cur.DeletedAt = null.TimeFrom(m.now())
	return nil
}

func (m *Memory) UnavailabilityWindows(_ context.Context, parkingID string, window interval.Interval) ([]availability.UnavailabilityWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []availability.UnavailabilityWindow
	for _, w := range m.windows {
		if w.ParkingID == parkingID && !w.DeletedAt.Valid && interval.Overlaps(w.Interval, window) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.Start.Before(out[j].Interval.Start) })
	return out, nil
}

func (m *Memory) CreateWindow(_ context.Context, w availability.UnavailabilityWindow) (availability.UnavailabilityWindow, error) {
	if w.Source == "" {
		w.Source = availability.SourceManual
	}
	if err := w.Validate(); err != nil {
		return availability.UnavailabilityWindow{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Interval = w.Interval.In(time.UTC)
	w.CreatedAt, w.DeletedAt = m.now(), null.Time{}
	m.windows[w.ID] = &w
	return w, nil
}

func (m *Memory) DeleteWindow(_ context.Context, parkingID, windowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.windows[windowID]
	if !ok || cur.ParkingID != parkingID || cur.DeletedAt.Valid {
		return availability.ErrWindowNotFound
	}
	cur.DeletedAt = null.TimeFrom(m.now())
	return nil
}

func (m *Memory) ActiveBookings(_ context.Context, parkingID string, window interval.Interval) ([]availability.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overlappingLocked(parkingID, window, ""), nil
}

// Bookings lists every booking of a parking, optionally limited to window.
func (m *Memory) Bookings(_ context.Context, parkingID string, window *interval.Interval) ([]availability.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []availability.Booking
	for _, b := range m.bookings {
		if b.ParkingID != parkingID {
			continue
		}
		if window != nil && !interval.Overlaps(b.Interval, *window) {
			continue
		}
		out = append(out, *b)
	}
	sortBookings(out)
	return out, nil
}

func (m *Memory) Booking(_ context.Context, bookingID string) (availability.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return availability.Booking{}, availability.ErrBookingNotFound
	}
	return *b, nil
}

func (m *Memory) InsertIfFree(_ context.Context, b availability.Booking) (availability.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clash := m.overlappingLocked(b.ParkingID, b.Interval, ""); len(clash) > 0 {
		return availability.Booking{}, &availability.ConflictError{BookingID: clash[0].ID}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := m.now()
	b.CreatedAt, b.UpdatedAt = now, now
	m.bookings[b.ID] = &b
	return b, nil
}

func (m *Memory) MoveIfFree(_ context.Context, bookingID string, iv interval.Interval, priceCents int64) (availability.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[bookingID]
	if !ok {
		return availability.Booking{}, availability.ErrBookingNotFound
	}
	if !cur.Status.Occupies() {
		return availability.Booking{}, availability.ErrInvalidTransition
	}
	if clash := m.overlappingLocked(cur.ParkingID, iv, bookingID); len(clash) > 0 {
		return availability.Booking{}, &availability.ConflictError{BookingID: clash[0].ID}
	}
	cur.Interval, cur.TotalPriceCents, cur.UpdatedAt = iv, priceCents, m.now()
	return *cur, nil
}

func (m *Memory) UpdateStatus(_ context.Context, bookingID string, from, to availability.Status) (availability.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[bookingID]
	if !ok {
		return availability.Booking{}, availability.ErrBookingNotFound
	}
	if cur.Status != from {
		return availability.Booking{}, availability.ErrInvalidTransition
	}
	cur.Status, cur.UpdatedAt = to, m.now()
	return *cur, nil
}

func (m *Memory) overlappingLocked(parkingID string, iv interval.Interval, exclude string) []availability.Booking {
	var out []availability.Booking
	for _, b := range m.bookings {
		if b.ParkingID != parkingID || b.ID == exclude || !b.Status.Occupies() {
			continue
		}
		if interval.Overlaps(b.Interval, iv) {
			out = append(out, *b)
		}
	}
	sortBookings(out)
	return out
}

func sortBookings(bs []availability.Booking) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Interval.Start.Before(bs[j].Interval.Start) })
}

func warnIfClosed(log *slog.Logger, parkingID string, rules []availability.WeeklyRule) {
	for _, r := range rules {
		if r.Active() {
			return
		}
	}
	log.Warn("parking has no enabled weekly rules; treating it as closed", "parking_id", parkingID)
}
