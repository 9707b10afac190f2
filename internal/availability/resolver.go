// Package availability decides whether a parking can be booked for a given
// interval and which parts of a range are still free.
//
// Three sources feed every answer: the weekly opening hours, explicit
// blackout windows and active bookings. Blackouts beat opening hours, and
// active bookings always block. The resolver reads all of them on every call;
// only BookingLedger writes.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"parking-service/internal/interval"
)

const (
	EventReserved    = "booking.reserved"
	EventRescheduled = "booking.rescheduled"
)

// EventFor returns the routing key announcing a transition to s.
func EventFor(s Status) string { return "booking." + string(s) }

// Request is a candidate reservation. ExcludeBookingID lets an edit of an
// existing booking be re-validated without colliding with itself.
type Request struct {
	ParkingID        string
	UserID           string
	Interval         interval.Interval
	ExcludeBookingID string
}

type Deps struct {
	Directory Directory
	Rules     RuleSource
	Blackouts BlackoutSource
	Bookings  BookingStore
	Clock     Clock
	Publisher Publisher
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

type Resolver struct {
	directory Directory
	rules     RuleSource
	blackouts BlackoutSource
	ledger    *BookingLedger
	clock     Clock
	publisher Publisher
	log       *slog.Logger
	tracer    trace.Tracer
}

func NewResolver(d Deps) *Resolver {
	r := &Resolver{
		directory: d.Directory,
		rules:     d.Rules,
		blackouts: d.Blackouts,
		ledger:    NewBookingLedger(d.Bookings),
		clock:     d.Clock,
		publisher: d.Publisher,
		log:       d.Logger,
		tracer:    d.Tracer,
	}
	if r.clock == nil {
		r.clock = RealClock{}
	}
	if r.publisher == nil {
		r.publisher = nopPublisher{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("parking-service/availability")
	}
	return r
}

func (r *Resolver) Ledger() *BookingLedger { return r.ledger }

// CanBook probes a request without side effects. Checks run cheapest
// first: shape, time, opening hours, blackouts, bookings.
func (r *Resolver) CanBook(ctx context.Context, req Request) (Decision, error) {
	ctx, span := r.startSpan(ctx, "availability.CanBook", req.ParkingID)
	defer span.End()

	d, _, err := r.evaluate(ctx, req)
	if err != nil {
		recordErr(span, err)
		return Decision{}, err
	}
	span.SetAttributes(attribute.Bool("decision.accepted", d.Accepted), attribute.String("decision.reason", string(d.Reason)))
	return d, nil
}

// Reserve probes the request and, when accepted, inserts a pending booking
// priced by Quote. Losing the insert race yields CONCURRENT_CONFLICT.
func (r *Resolver) Reserve(ctx context.Context, req Request) (Decision, *Booking, error) {
	ctx, span := r.startSpan(ctx, "availability.Reserve", req.ParkingID)
	defer span.End()

	req.ExcludeBookingID = ""
	d, parking, err := r.evaluate(ctx, req)
	if err != nil {
		recordErr(span, err)
		return Decision{}, nil, err
	}
	if !d.Accepted {
		r.log.DebugContext(ctx, "reservation rejected", "parking_id", req.ParkingID, "reason", d.Reason)
		return d, nil, nil
	}

	b, err := r.ledger.Reserve(ctx, Booking{
		ParkingID:       req.ParkingID,
		UserID:          req.UserID,
		Interval:        req.Interval.In(time.UTC),
		TotalPriceCents: Quote(req.Interval, parking.HourlyRateCents),
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			r.log.WarnContext(ctx, "reservation lost race", "parking_id", req.ParkingID, "conflicting_booking_id", conflict.BookingID)
			return rejectConflict(ReasonConcurrentConflict, conflict.BookingID), nil, nil
		}
		recordErr(span, err)
		return Decision{}, nil, err
	}

	r.log.InfoContext(ctx, "booking reserved", "booking_id", b.ID, "parking_id", b.ParkingID,
		"start", b.Interval.Start, "end", b.Interval.End, "total_price_cents", b.TotalPriceCents)
	r.announce(ctx, EventReserved, b)
	return d, &b, nil
}

// Reschedule moves an active booking to iv after re-validating it against
// everything except the booking itself.
func (r *Resolver) Reschedule(ctx context.Context, bookingID string, iv interval.Interval) (Decision, *Booking, error) {
	current, err := r.ledger.store.Booking(ctx, bookingID)
	if err != nil {
		return Decision{}, nil, err
	}
	if !current.Status.Occupies() {
		return Decision{}, nil, fmt.Errorf("%w: cannot move a %s booking", ErrInvalidTransition, current.Status)
	}

	ctx, span := r.startSpan(ctx, "availability.Reschedule", current.ParkingID)
	defer span.End()

	d, parking, err := r.evaluate(ctx, Request{
		ParkingID:        current.ParkingID,
		UserID:           current.UserID,
		Interval:         iv,
		ExcludeBookingID: bookingID,
	})
	if err != nil {
		recordErr(span, err)
		return Decision{}, nil, err
	}
	if !d.Accepted {
		return d, nil, nil
	}

	moved, err := r.ledger.Reschedule(ctx, current.ParkingID, bookingID, iv.In(time.UTC), Quote(iv, parking.HourlyRateCents))
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return rejectConflict(ReasonConcurrentConflict, conflict.BookingID), nil, nil
		}
		recordErr(span, err)
		return Decision{}, nil, err
	}
	r.announce(ctx, EventRescheduled, moved)
	return d, &moved, nil
}

// Transition changes a booking's status, e.g. pending -> confirmed once paid.
func (r *Resolver) Transition(ctx context.Context, bookingID string, to Status) (Booking, error) {
	b, err := r.ledger.Transition(ctx, bookingID, to, r.clock.Now())
	if err != nil {
		return Booking{}, err
	}
	r.announce(ctx, EventFor(to), b)
	return b, nil
}

// FreeSlots returns the open, unblocked and unbooked parts of window, sorted
// and disjoint, expressed in the location of window.Start.
func (r *Resolver) FreeSlots(ctx context.Context, parkingID string, window interval.Interval) ([]interval.Interval, error) {
	ctx, span := r.startSpan(ctx, "availability.FreeSlots", parkingID)
	defer span.End()

	s, err := r.snapshot(ctx, parkingID, window)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	free := interval.SubtractAll(s.open, union(s.blocked, s.booked))
	span.SetAttributes(attribute.Int("slots.count", len(free)))
	return inLocation(free, window.Start.Location()), nil
}

// Timeline partitions window into free, closed, blacked out and booked
// segments. Closed beats blacked out, which beats booked.
func (r *Resolver) Timeline(ctx context.Context, parkingID string, window interval.Interval) ([]Segment, error) {
	s, err := r.snapshot(ctx, parkingID, window)
	if err != nil {
		return nil, err
	}
	loc := window.Start.Location()

	closed := interval.SubtractAll([]interval.Interval{window}, s.open)
	blacked := interval.IntersectAll(s.open, s.blocked)
	booked := interval.SubtractAll(interval.IntersectAll(s.open, s.booked), s.blocked)
	free := interval.SubtractAll(s.open, union(s.blocked, s.booked))

	var out []Segment
	add := func(ivs []interval.Interval, state SegmentState) {
		for _, iv := range inLocation(ivs, loc) {
			out = append(out, Segment{Interval: iv, State: state})
		}
	}
	add(free, SegmentFree)
	add(closed, SegmentClosed)
	add(blacked, SegmentBlackedOut)
	add(booked, SegmentBooked)
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// BlackoutConflicts lists active bookings a blackout over iv would clash
// with. They are reported, never cancelled.
func (r *Resolver) BlackoutConflicts(ctx context.Context, parkingID string, iv interval.Interval) ([]string, error) {
	active, err := r.ledger.Active(ctx, parkingID, iv)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(active))
	for _, b := range active {
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// Quote prices iv at the parking's hourly rate.
func (r *Resolver) Quote(ctx context.Context, parkingID string, iv interval.Interval) (int64, error) {
	if iv.IsEmpty() {
		return 0, interval.ErrEmpty
	}
	p, err := r.directory.Parking(ctx, parkingID)
	if err != nil {
		return 0, err
	}
	return Quote(iv, p.HourlyRateCents), nil
}

func (r *Resolver) evaluate(ctx context.Context, req Request) (Decision, Parking, error) {
	iv := req.Interval
	if iv.IsEmpty() {
		return Reject(ReasonInvalidInterval), Parking{}, nil
	}
	if !iv.Start.After(r.clock.Now()) {
		return Reject(ReasonPastInterval), Parking{}, nil
	}

	parking, loc, err := r.parking(ctx, req.ParkingID)
	if err != nil {
		return Decision{}, Parking{}, err
	}

	rules, err := r.rules.WeeklyRules(ctx, req.ParkingID)
	if err != nil {
		return Decision{}, Parking{}, fmt.Errorf("load weekly rules: %w", err)
	}
	if !NewWeeklyCalendar(rules, loc).IsWithinOpenHours(iv) {
		return Reject(ReasonOutsideOpeningHours), parking, nil
	}

	windows, err := r.blackouts.UnavailabilityWindows(ctx, req.ParkingID, iv)
	if err != nil {
		return Decision{}, Parking{}, fmt.Errorf("load unavailability windows: %w", err)
	}
	if NewUnavailabilityLedger(windows).IsBlacked(iv) {
		return Reject(ReasonBlackedOut), parking, nil
	}

	conflictID, err := r.ledger.HasConflict(ctx, req.ParkingID, iv, req.ExcludeBookingID)
	if err != nil {
		return Decision{}, Parking{}, err
	}
	if conflictID != "" {
		return rejectConflict(ReasonAlreadyBooked, conflictID), parking, nil
	}
	return Accept(), parking, nil
}

type snapshot struct {
	open    []interval.Interval
	blocked []interval.Interval
	booked  []interval.Interval
}

func (r *Resolver) snapshot(ctx context.Context, parkingID string, window interval.Interval) (snapshot, error) {
	if window.IsEmpty() {
		return snapshot{}, interval.ErrEmpty
	}
	_, loc, err := r.parking(ctx, parkingID)
	if err != nil {
		return snapshot{}, err
	}
	rules, err := r.rules.WeeklyRules(ctx, parkingID)
	if err != nil {
		return snapshot{}, fmt.Errorf("load weekly rules: %w", err)
	}
	windows, err := r.blackouts.UnavailabilityWindows(ctx, parkingID, window)
	if err != nil {
		return snapshot{}, fmt.Errorf("load unavailability windows: %w", err)
	}
	active, err := r.ledger.Active(ctx, parkingID, window)
	if err != nil {
		return snapshot{}, err
	}

	booked := make([]interval.Interval, 0, len(active))
	for _, b := range active {
		booked = append(booked, b.Interval)
	}
	return snapshot{
		open:    NewWeeklyCalendar(rules, loc).OpenIntervals(window.In(loc)),
		blocked: NewUnavailabilityLedger(windows).Blocked(window),
		booked:  interval.Clip(booked, window),
	}, nil
}

func (r *Resolver) parking(ctx context.Context, parkingID string) (Parking, *time.Location, error) {
	p, err := r.directory.Parking(ctx, parkingID)
	if err != nil {
		return Parking{}, nil, err
	}
	loc, err := p.Location()
	if err != nil {
		return Parking{}, nil, err
	}
	return p, loc, nil
}

func (r *Resolver) announce(ctx context.Context, event string, b Booking) {
	if err := r.publisher.BookingChanged(ctx, event, b); err != nil {
		r.log.ErrorContext(ctx, "publish booking event", "event", event, "booking_id", b.ID, "error", err)
	}
}

func (r *Resolver) startSpan(ctx context.Context, name, parkingID string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("parking.id", parkingID)))
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func union(a, b []interval.Interval) []interval.Interval {
	all := make([]interval.Interval, 0, len(a)+len(b))
	all = append(all, a...)
	return interval.Merge(append(all, b...))
}

func inLocation(ivs []interval.Interval, loc *time.Location) []interval.Interval {
	out := make([]interval.Interval, len(ivs))
	for i, iv := range ivs {
		out[i] = iv.In(loc)
	}
	return out
}
