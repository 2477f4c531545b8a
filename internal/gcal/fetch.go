package gcal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const listPageSize = 250

// Fetcher reads the sync-owned slice of a calendar through the events API.
type Fetcher struct {
	svc        *calendar.Service
	calendarID string
}

// NewFetcher creates a Fetcher over an authorized HTTP client.
func NewFetcher(ctx context.Context, client *http.Client, calendarID string) (*Fetcher, error) {
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Fetcher{svc: svc, calendarID: calendarID}, nil
}

// OwnedEvents pages through every event carrying the sync ownership marker.
// Recurring events come back as masters, not expanded instances.
func (f *Fetcher) OwnedEvents(ctx context.Context) ([]*calendar.Event, error) {
	var events []*calendar.Event

	call := f.svc.Events.List(f.calendarID).
		PrivateExtendedProperty(PropSyncMarker + "=true").
		ShowDeleted(false).
		MaxResults(listPageSize).
		SingleEvents(false)

	err := call.Pages(ctx, func(page *calendar.Events) error {
		events = append(events, page.Items...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	slog.DebugContext(ctx, "fetched owned events", "calendar_id", f.calendarID, "count", len(events))
	return events, nil
}

// EventsPath returns the batch-inner path for the event collection.
func EventsPath(calendarID string) string {
	return fmt.Sprintf("/calendar/v3/calendars/%s/events", url.PathEscape(calendarID))
}

// EventPath returns the batch-inner path for a single event.
func EventPath(calendarID, eventID string) string {
	return fmt.Sprintf("/calendar/v3/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
}
