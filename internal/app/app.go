package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"parking-service/internal/availability"
	"parking-service/internal/interval"
)

// Store is the owner-facing persistence the handlers need beyond the
// resolver.
type Store interface {
	availability.RuleSource
	availability.RuleWriter
	availability.BlackoutSource
	availability.BlackoutWriter
	CreateParking(ctx context.Context, p availability.Parking) (availability.Parking, error)
	UpdateParking(ctx context.Context, p availability.Parking) (availability.Parking, error)
	Bookings(ctx context.Context, parkingID string, window *interval.Interval) ([]availability.Booking, error)
	Booking(ctx context.Context, bookingID string) (availability.Booking, error)
}

type invalidator interface {
	Invalidate(ctx context.Context, parkingID string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Resolver  *availability.Resolver
	Store     Store
	Directory availability.Directory
	Google    *oauth2.Config
	Events    EventLister
	Log       *slog.Logger
}

func New(resolver *availability.Resolver, store Store, directory availability.Directory, google *oauth2.Config, log *slog.Logger) *App {
	a := &App{Resolver: resolver, Store: store, Directory: directory, Google: google, Log: log}
	if google != nil {
		a.Events = googleEvents{cfg: google}
	}
	if a.Log == nil {
		a.Log = slog.Default()
	}
	return a
}

// Routes mounts the API. limit guards the routes that write bookings.
func (a *App) Routes(router *gin.Engine, auth, limit gin.HandlerFunc) {
	router.GET("/healthz", a.HealthHandler)
	// OAuth2 callback (must be before auth middleware)
	router.GET("/oauth2callback", a.GoogleOAuth2CallbackHandler)

	api := router.Group("/api", auth)
	api.POST("/parkings", a.CreateParkingHandler)

	parking := api.Group("/parkings/:id", a.loadParking)
	{
		parking.GET("", a.GetParkingHandler)
		parking.GET("/availability", a.ListAvailabilityHandler)
		parking.GET("/slots", a.SlotsHandler)
		parking.GET("/timeline", a.TimelineHandler)
		parking.GET("/quote", a.QuoteHandler)
		parking.POST("/availability-check", a.CheckAvailabilityHandler)
		parking.POST("/bookings", limit, a.CreateBookingHandler)

		owner := parking.Group("", a.requireOwner)
		owner.PATCH("", a.UpdateParkingHandler)
		owner.POST("/availability", a.SetAvailabilityHandler)
		owner.PUT("/availability/:rule_id", a.UpdateAvailabilityHandler)
		owner.DELETE("/availability/:rule_id", a.DeleteAvailabilityHandler)
		owner.GET("/unavailability", a.ListUnavailabilityHandler)
		owner.POST("/unavailability", a.CreateUnavailabilityHandler)
		owner.DELETE("/unavailability/:window_id", a.DeleteUnavailabilityHandler)
		owner.POST("/unavailability/import", a.ImportCalendarHandler)
		owner.GET("/calendar/auth", a.GoogleAuthHandler)
		owner.GET("/bookings", a.ListBookingsHandler)
	}

	booking := api.Group("/bookings/:booking_id", a.loadBooking)
	{
		booking.GET("", a.GetBookingHandler)
		booking.PUT("", limit, a.RescheduleBookingHandler)
		booking.POST("/confirm", a.transitionHandler(availability.StatusConfirmed))
		booking.POST("/cancel", a.transitionHandler(availability.StatusCanceled))
		booking.POST("/complete", a.transitionHandler(availability.StatusCompleted))
	}
}

func (a *App) HealthHandler(c *gin.Context) {
	if p, ok := a.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			a.Log.ErrorContext(ctx, "health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
