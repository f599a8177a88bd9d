package calendar

import (
	"context"
	"net/http"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/go-resty/resty/v2"

	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/obs"
	"github.com/openchime/openchime/internal/store"
)

var icsLog = obs.Pkg("calendar.ics")

// ICSProvider pulls events from a read-only ICS feed (Proton and friends).
// The feed URL is the account's (encrypted) auth_data.
type ICSProvider struct {
	client *resty.Client
}

// NewICSProvider wires the provider.
func NewICSProvider(client *resty.Client) *ICSProvider {
	return &ICSProvider{client: client}
}

// RefreshIfNeeded is a no-op: ICS feeds have no refreshable credentials.
func (p *ICSProvider) RefreshIfNeeded(ctx context.Context, account *store.Account) error {
	return nil
}

// FetchEvents downloads and parses the feed, returning events that start
// between one hour ago and the end of the fetch window.
func (p *ICSProvider) FetchEvents(ctx context.Context, account *store.Account) ([]RemoteEvent, error) {
	// The URL was validated when the account was added.
	feedURL := account.AuthData

	resp, err := p.client.R().SetContext(ctx).Get(feedURL)
	if err != nil {
		return nil, errs.Wrap(errs.ProviderTransient, "the calendar feed could not be reached", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus("The calendar feed", resp.StatusCode())
	}

	body := string(resp.Body())
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<html") {
		return nil, errs.New(errs.ProviderFatal,
			"the URL returned a web page, not a calendar; use the secret address in iCal format from your calendar settings")
	}
	if !strings.Contains(body, "BEGIN:VCALENDAR") {
		return nil, errs.New(errs.ProviderFatal, "the URL did not return calendar data")
	}

	cal, err := ics.ParseCalendar(strings.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.ProviderFatal, "the calendar feed could not be parsed", err)
	}

	now := time.Now().UTC()
	windowEnd := now.Add(FetchWindow)

	var events []RemoteEvent
	for _, component := range cal.Events() {
		remote, ok := convertICSEvent(component)
		if !ok {
			continue
		}
		if remote.StartTime.Before(now.Add(-time.Hour)) || remote.StartTime.After(windowEnd) {
			continue
		}
		events = append(events, remote)
	}

	icsLog.Debug("feed parsed", "account_id", account.ID, "host", obs.SafeURL(feedURL), "count", len(events))
	return events, nil
}

func convertICSEvent(ev *ics.VEvent) (RemoteEvent, bool) {
	uid := ev.Id()
	if uid == "" {
		return RemoteEvent{}, false
	}

	start, err := ev.GetStartAt()
	if err != nil {
		return RemoteEvent{}, false
	}
	end, err := ev.GetEndAt()
	if err != nil || end.Before(start) {
		// Feeds may omit DTEND; assume an hour.
		end = start.Add(time.Hour)
	}

	remote := RemoteEvent{
		ExternalID: uid,
		Title:      propValue(ev, ics.ComponentPropertySummary),
		StartTime:  start.UTC(),
		EndTime:    end.UTC(),
	}
	if remote.Title == "" {
		remote.Title = "(untitled)"
	}

	description := propValue(ev, ics.ComponentPropertyDescription)
	location := propValue(ev, ics.ComponentPropertyLocation)
	if description != "" {
		remote.Description = &description
	}

	if meeting := ExtractVideoLink(description, location); meeting != nil {
		remote.VideoLink = &meeting.URL
		remote.VideoPlatform = &meeting.Platform
	}
	return remote, true
}

func propValue(ev *ics.VEvent, name ics.ComponentProperty) string {
	prop := ev.GetProperty(name)
	if prop == nil {
		return ""
	}
	return prop.Value
}
