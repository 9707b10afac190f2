package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"parking-service/internal/availability"
	"parking-service/internal/interval"
)

const (
	ctxParking = "parking"
	ctxBooking = "booking"
)

// POST /api/parkings
func (a *App) CreateParkingHandler(c *gin.Context) {
	var payload ParkingRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := a.Store.CreateParking(c.Request.Context(), availability.Parking{
		OwnerID:         currentUser(c),
		Timezone:        payload.Timezone,
		HourlyRateCents: *payload.HourlyRateCents,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GET /api/parkings/:id
func (a *App) GetParkingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, parkingFrom(c))
}

// PATCH /api/parkings/:id
func (a *App) UpdateParkingHandler(c *gin.Context) {
	var payload ParkingRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := parkingFrom(c)
	if payload.Timezone != "" {
		p.Timezone = payload.Timezone
	}
	p.HourlyRateCents = *payload.HourlyRateCents

	ctx := c.Request.Context()
	updated, err := a.Store.UpdateParking(ctx, p)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if inv, ok := a.Directory.(invalidator); ok {
		if err := inv.Invalidate(ctx, p.ID); err != nil {
			a.Log.WarnContext(ctx, "invalidate cached parking", "parking_id", p.ID, "error", err)
		}
	}
	c.JSON(http.StatusOK, updated)
}

// POST /api/parkings/:id/availability
func (a *App) SetAvailabilityHandler(c *gin.Context) {
	var payload RulesRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	parkingID := c.Param("id")
	rules := make([]availability.WeeklyRule, 0, len(payload.Rules))
	for _, in := range payload.Rules {
		r, err := in.toRule(parkingID)
		if err == nil {
			err = r.Validate()
		}
		if err != nil {
			a.respondError(c, err)
			return
		}
		rules = append(rules, r)
	}

	ctx := c.Request.Context()
	saved := make([]availability.WeeklyRule, 0, len(rules))
	for _, r := range rules {
		created, err := a.Store.CreateRule(ctx, r)
		if err != nil {
			a.respondError(c, err)
			return
		}
		saved = append(saved, created)
	}
	c.JSON(http.StatusCreated, saved)
}

// GET /api/parkings/:id/availability
func (a *App) ListAvailabilityHandler(c *gin.Context) {
	rules, err := a.Store.WeeklyRules(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	active := make([]availability.WeeklyRule, 0, len(rules))
	for _, r := range rules {
		if !r.DeletedAt.Valid {
			active = append(active, r)
		}
	}
	c.JSON(http.StatusOK, active)
}

// PUT /api/parkings/:id/availability/:rule_id
func (a *App) UpdateAvailabilityHandler(c *gin.Context) {
	var payload RuleRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := payload.toRule(c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	r.ID = c.Param("rule_id")
	updated, err := a.Store.UpdateRule(c.Request.Context(), r)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DELETE /api/parkings/:id/availability/:rule_id
func (a *App) DeleteAvailabilityHandler(c *gin.Context) {
	if err := a.Store.DeleteRule(c.Request.Context(), c.Param("id"), c.Param("rule_id")); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/parkings/:id/unavailability?from=ISO&to=ISO
func (a *App) ListUnavailabilityHandler(c *gin.Context) {
	window, ok := queryWindow(c)
	if !ok {
		return
	}
	windows, err := a.Store.UnavailabilityWindows(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if windows == nil {
		windows = []availability.UnavailabilityWindow{}
	}
	c.JSON(http.StatusOK, windows)
}

// POST /api/parkings/:id/unavailability
// Existing bookings are reported as conflicts and left untouched.
func (a *App) CreateUnavailabilityHandler(c *gin.Context) {
	var payload WindowRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	iv, ok := payload.toInterval()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be RFC3339"})
		return
	}
	w := availability.UnavailabilityWindow{
		ParkingID: c.Param("id"),
		Interval:  iv,
		Reason:    payload.Reason,
		Source:    availability.SourceManual,
	}
	if err := w.Validate(); err != nil {
		a.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	conflicts, err := a.Resolver.BlackoutConflicts(ctx, w.ParkingID, w.Interval)
	if err != nil {
		a.respondError(c, err)
		return
	}
	saved, err := a.Store.CreateWindow(ctx, w)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if len(conflicts) > 0 {
		a.Log.InfoContext(ctx, "blackout overlaps active bookings", "parking_id", w.ParkingID, "window_id", saved.ID, "bookings", conflicts)
	}
	c.JSON(http.StatusCreated, WindowResponse{Window: saved, ConflictingBookings: conflicts})
}

// DELETE /api/parkings/:id/unavailability/:window_id
func (a *App) DeleteUnavailabilityHandler(c *gin.Context) {
	if err := a.Store.DeleteWindow(c.Request.Context(), c.Param("id"), c.Param("window_id")); err != nil {
		a.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/parkings/:id/slots?from=ISO&to=ISO
func (a *App) SlotsHandler(c *gin.Context) {
	window, ok := queryWindow(c)
	if !ok {
		return
	}
	slots, err := a.Resolver.FreeSlots(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": slots, "count": len(slots)})
}

// GET /api/parkings/:id/timeline?from=ISO&to=ISO
func (a *App) TimelineHandler(c *gin.Context) {
	window, ok := queryWindow(c)
	if !ok {
		return
	}
	segments, err := a.Resolver.Timeline(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": segments})
}

// GET /api/parkings/:id/quote?start=ISO&end=ISO
func (a *App) QuoteHandler(c *gin.Context) {
	iv, ok := parseInterval(c.Query("start"), c.Query("end"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end required (RFC3339)"})
		return
	}
	price, err := a.Resolver.Quote(c.Request.Context(), c.Param("id"), iv)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, QuoteResponse{
		Start:           iv.Start,
		End:             iv.End,
		BillableMinutes: availability.BillableMinutes(iv),
		TotalPriceCents: price,
	})
}

// POST /api/parkings/:id/availability-check
// A rejection is a normal answer, so this always returns 200 for a
// well-formed request.
func (a *App) CheckAvailabilityHandler(c *gin.Context) {
	var payload IntervalRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, availability.Reject(availability.ReasonInvalidInterval))
		return
	}
	iv, ok := payload.toInterval()
	if !ok {
		c.JSON(http.StatusBadRequest, availability.Reject(availability.ReasonInvalidInterval))
		return
	}
	d, err := a.Resolver.CanBook(c.Request.Context(), availability.Request{
		ParkingID: c.Param("id"),
		UserID:    currentUser(c),
		Interval:  iv,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// POST /api/parkings/:id/bookings
func (a *App) CreateBookingHandler(c *gin.Context) {
	var payload IntervalRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, BookingResponse{Decision: availability.Reject(availability.ReasonInvalidInterval)})
		return
	}
	iv, ok := payload.toInterval()
	if !ok {
		c.JSON(http.StatusBadRequest, BookingResponse{Decision: availability.Reject(availability.ReasonInvalidInterval)})
		return
	}
	d, b, err := a.Resolver.Reserve(c.Request.Context(), availability.Request{
		ParkingID: c.Param("id"),
		UserID:    currentUser(c),
		Interval:  iv,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	if !d.Accepted {
		c.JSON(decisionStatus(d), BookingResponse{Decision: d})
		return
	}
	c.JSON(http.StatusCreated, BookingResponse{Decision: d, Booking: b})
}

// GET /api/parkings/:id/bookings?from=ISO&to=ISO
func (a *App) ListBookingsHandler(c *gin.Context) {
	var window *interval.Interval
	if c.Query("from") != "" || c.Query("to") != "" {
		w, ok := queryWindow(c)
		if !ok {
			return
		}
		window = &w
	}
	bookings, err := a.Store.Bookings(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if bookings == nil {
		bookings = []availability.Booking{}
	}
	c.JSON(http.StatusOK, bookings)
}

// GET /api/bookings/:booking_id
func (a *App) GetBookingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, bookingFrom(c))
}

// PUT /api/bookings/:booking_id
func (a *App) RescheduleBookingHandler(c *gin.Context) {
	var payload IntervalRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, BookingResponse{Decision: availability.Reject(availability.ReasonInvalidInterval)})
		return
	}
	iv, ok := payload.toInterval()
	if !ok {
		c.JSON(http.StatusBadRequest, BookingResponse{Decision: availability.Reject(availability.ReasonInvalidInterval)})
		return
	}
	d, b, err := a.Resolver.Reschedule(c.Request.Context(), bookingFrom(c).ID, iv)
	if err != nil {
		a.respondError(c, err)
		return
	}
	if !d.Accepted {
		c.JSON(decisionStatus(d), BookingResponse{Decision: d})
		return
	}
	c.JSON(http.StatusOK, BookingResponse{Decision: d, Booking: b})
}

// POST /api/bookings/:booking_id/{confirm,cancel,complete}
func (a *App) transitionHandler(to availability.Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := a.Resolver.Transition(c.Request.Context(), bookingFrom(c).ID, to)
		if err != nil {
			a.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, b)
	}
}

func (a *App) loadParking(c *gin.Context) {
	p, err := a.Directory.Parking(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		c.Abort()
		return
	}
	c.Set(ctxParking, p)
	c.Next()
}

func (a *App) requireOwner(c *gin.Context) {
	if parkingFrom(c).OwnerID != currentUser(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only the parking owner may do this"})
		return
	}
	c.Next()
}

// loadBooking admits the renter and the parking's owner.
func (a *App) loadBooking(c *gin.Context) {
	ctx := c.Request.Context()
	b, err := a.Store.Booking(ctx, c.Param("booking_id"))
	if err != nil {
		a.respondError(c, err)
		c.Abort()
		return
	}
	user := currentUser(c)
	if b.UserID != user {
		p, err := a.Directory.Parking(ctx, b.ParkingID)
		if err != nil {
			a.respondError(c, err)
			c.Abort()
			return
		}
		if p.OwnerID != user {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not your booking"})
			return
		}
	}
	c.Set(ctxBooking, b)
	c.Next()
}

func parkingFrom(c *gin.Context) availability.Parking {
	return c.MustGet(ctxParking).(availability.Parking)
}

func bookingFrom(c *gin.Context) availability.Booking {
	return c.MustGet(ctxBooking).(availability.Booking)
}

// queryWindow reads ?from&to, writing a 400 itself when they are unusable.
func queryWindow(c *gin.Context) (interval.Interval, bool) {
	fromStr, toStr := c.Query("from"), c.Query("to")
	if fromStr == "" || toStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to required (RFC3339)"})
		return interval.Interval{}, false
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return interval.Interval{}, false
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return interval.Interval{}, false
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return interval.Interval{}, false
	}
	return interval.Interval{Start: from, End: to}, true
}

func decisionStatus(d availability.Decision) int {
	switch d.Reason {
	case availability.ReasonNone:
		return http.StatusOK
	case availability.ReasonInvalidInterval:
		return http.StatusBadRequest
	case availability.ReasonAlreadyBooked, availability.ReasonConcurrentConflict:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func (a *App) respondError(c *gin.Context, err error) {
	var conflict *availability.ConflictError
	switch {
	case errors.Is(err, availability.ErrParkingNotFound),
		errors.Is(err, availability.ErrBookingNotFound),
		errors.Is(err, availability.ErrRuleNotFound),
		errors.Is(err, availability.ErrWindowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, availability.ErrInvalidRule),
		errors.Is(err, availability.ErrInvalidWindow),
		errors.Is(err, availability.ErrInvalidTimezone),
		errors.Is(err, interval.ErrEmpty):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "conflicting_booking_id": conflict.BookingID})
	case errors.Is(err, availability.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		a.Log.ErrorContext(c.Request.Context(), "request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
