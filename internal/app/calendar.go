package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"parking-service/internal/availability"
	"parking-service/internal/interval"
)

// GoogleCalendarConfig returns nil unless all three settings are present.
func GoogleCalendarConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendar.CalendarReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// EventLister fetches the events of one calendar inside window.
type EventLister interface {
	Events(ctx context.Context, token *oauth2.Token, calendarID string, window interval.Interval) ([]*calendar.Event, error)
}

type googleEvents struct {
	cfg *oauth2.Config
}

func (g googleEvents) Events(ctx context.Context, token *oauth2.Token, calendarID string, window interval.Interval) ([]*calendar.Event, error) {
	srv, err := calendar.NewService(ctx, option.WithHTTPClient(g.cfg.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	var out []*calendar.Event
	err = srv.Events.List(calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(250).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		Pages(ctx, func(page *calendar.Events) error {
			out = append(out, page.Items...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func (a *App) GoogleAuthHandler(c *gin.Context) {
	if a.Google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google Calendar not configured"})
		return
	}
	state := fmt.Sprintf("parking_%s_%d", c.Param("id"), time.Now().Unix())
	c.JSON(http.StatusOK, gin.H{
		"auth_url": a.Google.AuthCodeURL(state, oauth2.AccessTypeOffline),
		"state":    state,
	})
}

// GoogleOAuth2CallbackHandler hands the exchanged token back to the owner,
// who sends it in X-Google-Token when importing.
func (a *App) GoogleOAuth2CallbackHandler(c *gin.Context) {
	if a.Google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google Calendar not configured"})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization code required"})
		return
	}
	token, err := a.Google.Exchange(c.Request.Context(), code)
	if err != nil {
		a.Log.WarnContext(c.Request.Context(), "google token exchange failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to exchange code for token"})
		return
	}
	tokenJSON, _ := json.Marshal(token)
	c.JSON(http.StatusOK, gin.H{
		"state": c.Query("state"),
		"token": string(tokenJSON),
	})
}

// ImportCalendarHandler turns the owner's busy calendar events into
// unavailability windows for the parking.
func (a *App) ImportCalendarHandler(c *gin.Context) {
	if a.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google Calendar not configured"})
		return
	}
	tokenStr := c.GetHeader("X-Google-Token")
	if tokenStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Google token required in X-Google-Token header"})
		return
	}
	var token oauth2.Token
	if err := json.Unmarshal([]byte(tokenStr), &token); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token format"})
		return
	}

	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	window, ok := parseInterval(req.From, req.To)
	if !ok || window.IsEmpty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339 with from < to"})
		return
	}
	if req.CalendarID == "" {
		req.CalendarID = "primary"
	}

	p := parkingFrom(c)
	loc, err := p.Location()
	if err != nil {
		a.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	items, err := a.Events.Events(ctx, &token, req.CalendarID, window)
	if err != nil {
		a.Log.ErrorContext(ctx, "google calendar import failed", "parking_id", p.ID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to retrieve events"})
		return
	}

	created := make([]WindowResponse, 0, len(items))
	for _, w := range eventsToWindows(p.ID, items, loc) {
		conflicts, err := a.Resolver.BlackoutConflicts(ctx, p.ID, w.Interval)
		if err != nil {
			a.respondError(c, err)
			return
		}
		saved, err := a.Store.CreateWindow(ctx, w)
		if err != nil {
			a.respondError(c, err)
			return
		}
		created = append(created, WindowResponse{Window: saved, ConflictingBookings: conflicts})
	}
	a.Log.InfoContext(ctx, "calendar imported", "parking_id", p.ID, "events", len(items), "windows", len(created))
	c.JSON(http.StatusCreated, gin.H{"windows": created, "count": len(created)})
}

// eventsToWindows keeps busy, confirmed events. All-day events cover whole
// civil days in the parking's timezone.
func eventsToWindows(parkingID string, items []*calendar.Event, loc *time.Location) []availability.UnavailabilityWindow {
	var out []availability.UnavailabilityWindow
	for _, item := range items {
		if item == nil || item.Status == "cancelled" || item.Transparency == "transparent" {
			continue
		}
		start, okStart := eventTime(item.Start, loc)
		end, okEnd := eventTime(item.End, loc)
		if !okStart || !okEnd || !start.Before(end) {
			continue
		}
		reason := item.Summary
		if reason == "" {
			reason = "busy"
		}
		out = append(out, availability.UnavailabilityWindow{
			ParkingID: parkingID,
			Interval:  interval.Interval{Start: start, End: end},
			Reason:    reason,
			Source:    availability.SourceGoogleCalendar,
		})
	}
	return out
}

func eventTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, err == nil
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", dt.Date, loc)
		return t, err == nil
	}
	return time.Time{}, false
}
