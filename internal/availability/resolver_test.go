package availability_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/availability"
	"parking-service/internal/events"
	"parking-service/internal/interval"
	"parking-service/internal/store"
)

type fixture struct {
	res   *availability.Resolver
	mem   *store.Memory
	clock *availability.FixedClock
	pub   *events.Recorder
}

func newFixture(t *testing.T, p availability.Parking) *fixture {
	t.Helper()
	mem := store.NewMemory(nil)
	_, err := mem.CreateParking(context.Background(), p)
	require.NoError(t, err)

	clock := availability.NewFixedClock(time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))
	pub := &events.Recorder{}
	res := availability.NewResolver(availability.Deps{
		Directory: mem,
		Rules:     mem,
		Blackouts: mem,
		Bookings:  mem,
		Clock:     clock,
		Publisher: pub,
	})
	return &fixture{res: res, mem: mem, clock: clock, pub: pub}
}

func (f *fixture) addRule(t *testing.T, day int, openAt, closeAt string) availability.WeeklyRule {
	t.Helper()
	o, err := availability.ParseClock(openAt)
	require.NoError(t, err)
	c, err := availability.ParseClock(closeAt)
	require.NoError(t, err)
	r, err := f.mem.CreateRule(context.Background(), availability.WeeklyRule{
		ParkingID: "p1", DayOfWeek: day, Open: o, Close: c, Enabled: true,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) addBlackout(t *testing.T, iv interval.Interval) {
	t.Helper()
	_, err := f.mem.CreateWindow(context.Background(), availability.UnavailabilityWindow{
		ParkingID: "p1", Interval: iv, Reason: "maintenance",
	})
	require.NoError(t, err)
}

func (f *fixture) reserve(t *testing.T, iv interval.Interval) availability.Booking {
	t.Helper()
	d, b, err := f.res.Reserve(context.Background(), availability.Request{ParkingID: "p1", UserID: "u1", Interval: iv})
	require.NoError(t, err)
	require.True(t, d.Accepted, "reserve %v rejected: %s", iv, d.Reason)
	require.NotNil(t, b)
	return *b
}

func (f *fixture) canBook(t *testing.T, iv interval.Interval) availability.Decision {
	t.Helper()
	d, err := f.res.CanBook(context.Background(), availability.Request{ParkingID: "p1", UserID: "u1", Interval: iv})
	require.NoError(t, err)
	return d
}

var utcParking = availability.Parking{ID: "p1", OwnerID: "owner", Timezone: "UTC", HourlyRateCents: 400}

// 2030-01-07 is a Monday.
func at(day, h, m int) time.Time { return time.Date(2030, time.January, day, h, m, 0, 0, time.UTC) }

func iv(a, b time.Time) interval.Interval { return interval.Interval{Start: a, End: b} }

func TestReserveInsideOpeningHours(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")

	b := f.reserve(t, iv(at(7, 9, 0), at(7, 10, 0)))
	assert.Equal(t, availability.StatusPending, b.Status)
	assert.Equal(t, int64(400), b.TotalPriceCents)
	assert.Equal(t, "u1", b.UserID)
	assert.Equal(t, []string{availability.EventReserved}, f.pub.Names())
}

func TestRejectOutsideOpeningHours(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")

	d := f.canBook(t, iv(at(7, 19, 0), at(7, 20, 0)))
	assert.False(t, d.Accepted)
	assert.Equal(t, availability.ReasonOutsideOpeningHours, d.Reason)

	d, b, err := f.res.Reserve(context.Background(), availability.Request{ParkingID: "p1", UserID: "u1", Interval: iv(at(7, 17, 30), at(7, 18, 30))})
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, availability.ReasonOutsideOpeningHours, d.Reason)
	assert.Empty(t, f.pub.Names())
}

func TestBlackoutInsideOpenHours(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "00:00", "24:00")
	f.addBlackout(t, iv(at(7, 12, 0), at(7, 14, 0)))

	d := f.canBook(t, iv(at(7, 13, 0), at(7, 13, 30)))
	assert.Equal(t, availability.ReasonBlackedOut, d.Reason)

	assert.True(t, f.canBook(t, iv(at(7, 14, 0), at(7, 15, 0))).Accepted)
}

func TestOverlapAndTouchingBookings(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	existing := f.reserve(t, iv(at(7, 9, 0), at(7, 11, 0)))
	_, err := f.res.Transition(context.Background(), existing.ID, availability.StatusConfirmed)
	require.NoError(t, err)

	d := f.canBook(t, iv(at(7, 10, 0), at(7, 12, 0)))
	assert.Equal(t, availability.ReasonAlreadyBooked, d.Reason)
	assert.Equal(t, existing.ID, d.ConflictingBookingID)

	assert.True(t, f.canBook(t, iv(at(7, 11, 0), at(7, 12, 0))).Accepted)
	assert.True(t, f.canBook(t, iv(at(7, 8, 0), at(7, 9, 0))).Accepted)
}

func TestInvalidAndPastIntervals(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")

	assert.Equal(t, availability.ReasonInvalidInterval, f.canBook(t, iv(at(7, 9, 0), at(7, 9, 0))).Reason)
	assert.Equal(t, availability.ReasonInvalidInterval, f.canBook(t, iv(at(7, 10, 0), at(7, 9, 0))).Reason)

	f.clock.Set(at(7, 9, 0))
	assert.Equal(t, availability.ReasonPastInterval, f.canBook(t, iv(at(7, 9, 0), at(7, 10, 0))).Reason)
	assert.Equal(t, availability.ReasonPastInterval, f.canBook(t, iv(at(7, 8, 0), at(7, 10, 0))).Reason)
	assert.True(t, f.canBook(t, iv(at(7, 9, 1), at(7, 10, 0))).Accepted)
}

func TestUnknownParking(t *testing.T) {
	f := newFixture(t, utcParking)
	_, err := f.res.CanBook(context.Background(), availability.Request{ParkingID: "missing", Interval: iv(at(7, 9, 0), at(7, 10, 0))})
	assert.ErrorIs(t, err, availability.ErrParkingNotFound)
}

func TestNoRulesMeansClosed(t *testing.T) {
	f := newFixture(t, utcParking)
	for day := 7; day <= 13; day++ {
		d := f.canBook(t, iv(at(day, 10, 0), at(day, 11, 0)))
		assert.Equal(t, availability.ReasonOutsideOpeningHours, d.Reason, "day %d", day)
	}
}

func TestDeletedRuleStopsOpening(t *testing.T) {
	f := newFixture(t, utcParking)
	r := f.addRule(t, 1, "08:00", "18:00")
	assert.True(t, f.canBook(t, iv(at(7, 9, 0), at(7, 10, 0))).Accepted)

	require.NoError(t, f.mem.DeleteRule(context.Background(), "p1", r.ID))
	assert.Equal(t, availability.ReasonOutsideOpeningHours, f.canBook(t, iv(at(7, 9, 0), at(7, 10, 0))).Reason)
}

func TestBlackoutTakesPrecedenceOverBooking(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	f.reserve(t, iv(at(7, 12, 0), at(7, 13, 0)))
	f.addBlackout(t, iv(at(7, 12, 0), at(7, 14, 0)))

	assert.Equal(t, availability.ReasonBlackedOut, f.canBook(t, iv(at(7, 12, 30), at(7, 13, 30))).Reason)
}

func TestClosedTakesPrecedenceOverBlackout(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	f.addBlackout(t, iv(at(7, 17, 0), at(7, 20, 0)))

	assert.Equal(t, availability.ReasonOutsideOpeningHours, f.canBook(t, iv(at(7, 17, 30), at(7, 18, 30))).Reason)
}

func TestCanBookIsRepeatable(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	f.addBlackout(t, iv(at(7, 12, 0), at(7, 13, 0)))
	f.reserve(t, iv(at(7, 9, 0), at(7, 10, 0)))

	for _, req := range []interval.Interval{
		iv(at(7, 9, 30), at(7, 10, 30)),
		iv(at(7, 12, 0), at(7, 12, 30)),
		iv(at(7, 19, 0), at(7, 20, 0)),
		iv(at(7, 14, 0), at(7, 15, 0)),
	} {
		first := f.canBook(t, req)
		assert.Equal(t, first, f.canBook(t, req))
	}
}

func TestSpanningMidnight(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "20:00", "24:00")
	overnight := iv(at(7, 23, 0), at(8, 1, 0))
	assert.Equal(t, availability.ReasonOutsideOpeningHours, f.canBook(t, overnight).Reason)

	f.addRule(t, 2, "00:00", "06:00")
	assert.True(t, f.canBook(t, overnight).Accepted)
}

func TestParkingTimezone(t *testing.T) {
	f := newFixture(t, availability.Parking{ID: "p1", OwnerID: "owner", Timezone: "America/New_York", HourlyRateCents: 100})
	f.addRule(t, 1, "08:00", "18:00")

	assert.True(t, f.canBook(t, iv(at(7, 13, 0), at(7, 14, 0))).Accepted)
	assert.Equal(t, availability.ReasonOutsideOpeningHours, f.canBook(t, iv(at(7, 12, 0), at(7, 13, 0))).Reason)
}

func TestAdjacentRulesAcceptSpanningRequest(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "12:00")
	f.addRule(t, 1, "12:00", "18:00")
	assert.True(t, f.canBook(t, iv(at(7, 11, 0), at(7, 13, 0))).Accepted)
}

func TestConcurrentReserveSameInterval(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	want := iv(at(7, 9, 0), at(7, 10, 0))

	const n = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		reasons  = map[availability.Reason]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := f.res.Reserve(context.Background(), availability.Request{
				ParkingID: "p1", UserID: fmt.Sprintf("u%d", i), Interval: want,
			})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if d.Accepted {
				accepted++
				return
			}
			reasons[d.Reason]++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, reasons[availability.ReasonAlreadyBooked]+reasons[availability.ReasonConcurrentConflict])
}

func TestConcurrentReserveNeverOverlaps(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")

	rng := rand.New(rand.NewSource(7))
	reqs := make([]interval.Interval, 64)
	for i := range reqs {
		start := at(7, 8, 0).Add(time.Duration(rng.Intn(9*4)) * 15 * time.Minute)
		reqs[i] = iv(start, start.Add(time.Duration(1+rng.Intn(4))*15*time.Minute))
	}

	var wg sync.WaitGroup
	for _, r := range reqs {
		wg.Add(1)
		go func(r interval.Interval) {
			defer wg.Done()
			_, _, err := f.res.Reserve(context.Background(), availability.Request{ParkingID: "p1", UserID: "u", Interval: r})
			assert.NoError(t, err)
		}(r)
	}
	wg.Wait()

	active, err := f.res.Ledger().Active(context.Background(), "p1", iv(at(7, 0, 0), at(8, 0, 0)))
	require.NoError(t, err)
	require.NotEmpty(t, active)
	for i := range active {
		for j := i + 1; j < len(active); j++ {
			assert.False(t, interval.Overlaps(active[i].Interval, active[j].Interval),
				"%s overlaps %s", active[i].Interval, active[j].Interval)
		}
	}
}

func TestTransitionLifecycle(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	ctx := context.Background()
	b := f.reserve(t, iv(at(7, 9, 0), at(7, 10, 0)))

	_, err := f.res.Transition(ctx, b.ID, availability.StatusCompleted)
	assert.ErrorIs(t, err, availability.ErrInvalidTransition)

	confirmed, err := f.res.Transition(ctx, b.ID, availability.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, availability.StatusConfirmed, confirmed.Status)

	_, err = f.res.Transition(ctx, b.ID, availability.StatusCompleted)
	assert.ErrorIs(t, err, availability.ErrInvalidTransition, "cannot complete before the end")

	f.clock.Set(at(7, 10, 0))
	completed, err := f.res.Transition(ctx, b.ID, availability.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, availability.StatusCompleted, completed.Status)

	_, err = f.res.Transition(ctx, "missing", availability.StatusCanceled)
	assert.ErrorIs(t, err, availability.ErrBookingNotFound)

	assert.Equal(t, []string{"booking.reserved", "booking.confirmed", "booking.completed"}, f.pub.Names())
}

func TestCanceledBookingFreesSlot(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	slot := iv(at(7, 9, 0), at(7, 10, 0))
	b := f.reserve(t, slot)
	assert.Equal(t, availability.ReasonAlreadyBooked, f.canBook(t, slot).Reason)

	_, err := f.res.Transition(context.Background(), b.ID, availability.StatusCanceled)
	require.NoError(t, err)
	assert.True(t, f.canBook(t, slot).Accepted)
}

func TestRescheduleIgnoresItself(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	ctx := context.Background()
	b := f.reserve(t, iv(at(7, 9, 0), at(7, 10, 0)))
	other := f.reserve(t, iv(at(7, 11, 0), at(7, 12, 0)))

	d, moved, err := f.res.Reschedule(ctx, b.ID, iv(at(7, 9, 30), at(7, 11, 0)))
	require.NoError(t, err)
	require.True(t, d.Accepted)
	assert.Equal(t, at(7, 9, 30), moved.Interval.Start)
	assert.Equal(t, int64(600), moved.TotalPriceCents)

	d, moved, err = f.res.Reschedule(ctx, b.ID, iv(at(7, 10, 30), at(7, 11, 30)))
	require.NoError(t, err)
	assert.Nil(t, moved)
	assert.Equal(t, availability.ReasonAlreadyBooked, d.Reason)
	assert.Equal(t, other.ID, d.ConflictingBookingID)

	d, _, err = f.res.Reschedule(ctx, b.ID, iv(at(7, 17, 0), at(7, 19, 0)))
	require.NoError(t, err)
	assert.Equal(t, availability.ReasonOutsideOpeningHours, d.Reason)

	_, err = f.res.Transition(ctx, b.ID, availability.StatusCanceled)
	require.NoError(t, err)
	_, _, err = f.res.Reschedule(ctx, b.ID, iv(at(7, 14, 0), at(7, 15, 0)))
	assert.ErrorIs(t, err, availability.ErrInvalidTransition)

	assert.Contains(t, f.pub.Names(), availability.EventRescheduled)
}

func TestFreeSlots(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	f.addBlackout(t, iv(at(7, 12, 0), at(7, 13, 0)))
	f.reserve(t, iv(at(7, 9, 0), at(7, 10, 0)))

	slots, err := f.res.FreeSlots(context.Background(), "p1", iv(at(7, 0, 0), at(8, 0, 0)))
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{
		iv(at(7, 8, 0), at(7, 9, 0)),
		iv(at(7, 10, 0), at(7, 12, 0)),
		iv(at(7, 13, 0), at(7, 18, 0)),
	}, slots)

	// Each free slot must itself be bookable.
	for _, s := range slots {
		assert.True(t, f.canBook(t, s).Accepted, s.String())
	}

	_, err = f.res.FreeSlots(context.Background(), "p1", iv(at(7, 9, 0), at(7, 9, 0)))
	assert.ErrorIs(t, err, interval.ErrEmpty)
}

func TestFreeSlotsKeepsCallerLocation(t *testing.T) {
	f := newFixture(t, availability.Parking{ID: "p1", OwnerID: "owner", Timezone: "Europe/Paris", HourlyRateCents: 100})
	f.addRule(t, 1, "08:00", "10:00")
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	window := iv(at(7, 0, 0).In(tokyo), at(8, 0, 0).In(tokyo))
	slots, err := f.res.FreeSlots(context.Background(), "p1", window)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "Asia/Tokyo", slots[0].Start.Location().String())
	// 08:00 Paris in January is 07:00Z.
	assert.True(t, slots[0].Start.Equal(at(7, 7, 0)))
	assert.True(t, slots[0].End.Equal(at(7, 9, 0)))
}

func TestTimelinePartitionsWindow(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	f.addBlackout(t, iv(at(7, 12, 0), at(7, 13, 0)))
	f.addBlackout(t, iv(at(7, 17, 0), at(7, 19, 0)))
	f.reserve(t, iv(at(7, 9, 0), at(7, 10, 0)))
	window := iv(at(7, 6, 0), at(7, 20, 0))

	segs, err := f.res.Timeline(context.Background(), "p1", window)
	require.NoError(t, err)

	var got []string
	cursor := window.Start
	var free []interval.Interval
	for _, s := range segs {
		assert.True(t, s.Start.Equal(cursor), "gap or overlap at %s", s.Start)
		cursor = s.End
		got = append(got, fmt.Sprintf("%s %s", s.Start.Format("15:04"), s.State))
		if s.State == availability.SegmentFree {
			free = append(free, s.Interval)
		}
	}
	assert.True(t, cursor.Equal(window.End))
	assert.Equal(t, []string{
		"06:00 closed",
		"08:00 free",
		"09:00 booked",
		"10:00 free",
		"12:00 blacked_out",
		"13:00 free",
		"17:00 blacked_out",
		"18:00 closed",
	}, got)

	slots, err := f.res.FreeSlots(context.Background(), "p1", window)
	require.NoError(t, err)
	assert.Equal(t, slots, free)
}

func TestBlackoutConflicts(t *testing.T) {
	f := newFixture(t, utcParking)
	f.addRule(t, 1, "08:00", "18:00")
	a := f.reserve(t, iv(at(7, 9, 0), at(7, 10, 0)))
	b := f.reserve(t, iv(at(7, 11, 0), at(7, 12, 0)))
	f.reserve(t, iv(at(7, 14, 0), at(7, 15, 0)))

	ids, err := f.res.BlackoutConflicts(context.Background(), "p1", iv(at(7, 9, 30), at(7, 11, 30)))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	ids, err = f.res.BlackoutConflicts(context.Background(), "p1", iv(at(7, 12, 0), at(7, 14, 0)))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResolverQuote(t *testing.T) {
	f := newFixture(t, availability.Parking{ID: "p1", OwnerID: "owner", Timezone: "UTC", HourlyRateCents: 150})
	price, err := f.res.Quote(context.Background(), "p1", iv(at(7, 9, 0), at(7, 10, 30)))
	require.NoError(t, err)
	assert.Equal(t, int64(225), price)

	_, err = f.res.Quote(context.Background(), "p1", iv(at(7, 9, 0), at(7, 9, 0)))
	assert.ErrorIs(t, err, interval.ErrEmpty)
}
