package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/openchime/openchime/internal/config"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/obs"
	"github.com/openchime/openchime/internal/store"
)

const (
	googleEventsURL = "https://www.googleapis.com/calendar/v3/calendars/primary/events"

	// refreshSkew refreshes tokens this close to expiry instead of
	// letting a request fail first.
	refreshSkew = 5 * time.Minute
)

var googleLog = obs.Pkg("calendar.google")

// TokenBundle is the OAuth state stored (encrypted) in auth_data for Google
// accounts. The refresh token additionally lives in its own column so the
// store can rotate the two independently.
type TokenBundle struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

// GoogleProvider pulls events from the Google Calendar REST API.
type GoogleProvider struct {
	cfg    *config.Config
	client *resty.Client
	creds  CredentialWriter

	// eventsURL is overridable in tests.
	eventsURL string
}

// NewGoogleProvider wires the provider. The config must already have passed
// RequireGoogle.
func NewGoogleProvider(cfg *config.Config, client *resty.Client, creds CredentialWriter) *GoogleProvider {
	return &GoogleProvider{cfg: cfg, client: client, creds: creds, eventsURL: googleEventsURL}
}

func parseTokenBundle(authData string) (*TokenBundle, error) {
	var bundle TokenBundle
	if err := json.Unmarshal([]byte(authData), &bundle); err != nil {
		return nil, errs.Wrap(errs.ProviderFatal, "the stored Google credentials are unreadable; re-add the account", err)
	}
	if bundle.AccessToken == "" {
		return nil, errs.New(errs.ProviderFatal, "the stored Google credentials are empty; re-add the account")
	}
	return &bundle, nil
}

// RefreshIfNeeded refreshes the access token when it is within refreshSkew
// of expiry and persists the new bundle. The account's in-memory credentials
// are updated in place so the following fetch uses the fresh token.
func (p *GoogleProvider) RefreshIfNeeded(ctx context.Context, account *store.Account) error {
	bundle, err := parseTokenBundle(account.AuthData)
	if err != nil {
		return err
	}
	if account.RefreshToken == nil || *account.RefreshToken == "" {
		// Nothing to refresh with; ride the access token until it dies.
		return nil
	}
	if !bundle.Expiry.IsZero() && time.Until(bundle.Expiry) > refreshSkew {
		return nil
	}

	oc := oauth2.Config{
		ClientID:     p.cfg.GoogleClientID,
		ClientSecret: p.cfg.GoogleClientSecret,
		Endpoint:     google.Endpoint,
	}
	src := oc.TokenSource(ctx, &oauth2.Token{
		AccessToken:  bundle.AccessToken,
		TokenType:    bundle.TokenType,
		RefreshToken: *account.RefreshToken,
		Expiry:       bundle.Expiry,
	})

	fresh, err := src.Token()
	if err != nil {
		return classifyOAuthError(err)
	}

	newBundle := TokenBundle{
		AccessToken: fresh.AccessToken,
		TokenType:   fresh.TokenType,
		Expiry:      fresh.Expiry,
	}
	encoded, err := json.Marshal(newBundle)
	if err != nil {
		return errs.Wrap(errs.Internal, "could not encode the refreshed credentials", err)
	}

	// Google often omits the refresh token on refresh; keep the old one.
	refreshToken := account.RefreshToken
	if fresh.RefreshToken != "" {
		refreshToken = &fresh.RefreshToken
	}

	if err := p.creds.UpdateAuth(ctx, account.ID, string(encoded), refreshToken); err != nil {
		return err
	}
	account.AuthData = string(encoded)
	account.RefreshToken = refreshToken
	googleLog.Info("access token refreshed", "account_id", account.ID)
	return nil
}

// googleEventTime is either a dateTime or an all-day date.
type googleEventTime struct {
	DateTime *time.Time `json:"dateTime"`
	Date     string     `json:"date"`
}

func (t *googleEventTime) resolve() (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if t.DateTime != nil {
		return t.DateTime.UTC(), true
	}
	if t.Date != "" {
		day, err := time.ParseInLocation("2006-01-02", t.Date, time.Local)
		if err != nil {
			return time.Time{}, false
		}
		return day.UTC(), true
	}
	return time.Time{}, false
}

type googleEvent struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	Summary     string           `json:"summary"`
	Description string           `json:"description"`
	Location    string           `json:"location"`
	Start       *googleEventTime `json:"start"`
	End         *googleEventTime `json:"end"`
	HangoutLink string           `json:"hangoutLink"`
}

type googleEventsPage struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// FetchEvents lists the primary calendar for the next FetchWindow, following
// pagination.
func (p *GoogleProvider) FetchEvents(ctx context.Context, account *store.Account) ([]RemoteEvent, error) {
	bundle, err := parseTokenBundle(account.AuthData)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var (
		events    []RemoteEvent
		pageToken string
	)
	for {
		req := p.client.R().
			SetContext(ctx).
			SetAuthToken(bundle.AccessToken).
			SetQueryParams(map[string]string{
				"timeMin":      now.Format(time.RFC3339),
				"timeMax":      now.Add(FetchWindow).Format(time.RFC3339),
				"singleEvents": "true",
				"orderBy":      "startTime",
				"maxResults":   "250",
			})
		if pageToken != "" {
			req.SetQueryParam("pageToken", pageToken)
		}

		resp, err := req.Get(p.eventsURL)
		if err != nil {
			return nil, errs.Wrap(errs.ProviderTransient, "Google Calendar could not be reached", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, classifyStatus("Google Calendar", resp.StatusCode())
		}

		var page googleEventsPage
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, errs.Wrap(errs.ProviderTransient, "Google Calendar returned an unreadable response", err)
		}

		for _, item := range page.Items {
			if remote, ok := convertGoogleEvent(item); ok {
				events = append(events, remote)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	googleLog.Debug("events fetched", "account_id", account.ID, "count", len(events))
	return events, nil
}

func convertGoogleEvent(item googleEvent) (RemoteEvent, bool) {
	if item.ID == "" || item.Status == "cancelled" {
		return RemoteEvent{}, false
	}
	start, ok := item.Start.resolve()
	if !ok {
		return RemoteEvent{}, false
	}
	end, ok := item.End.resolve()
	if !ok || end.Before(start) {
		end = start.Add(time.Hour)
	}

	remote := RemoteEvent{
		ExternalID: item.ID,
		Title:      item.Summary,
		StartTime:  start,
		EndTime:    end,
	}
	if remote.Title == "" {
		remote.Title = "(untitled)"
	}
	if item.Description != "" {
		desc := item.Description
		remote.Description = &desc
	}

	if item.HangoutLink != "" {
		link := item.HangoutLink
		platform := "Google Meet"
		remote.VideoLink = &link
		remote.VideoPlatform = &platform
	} else if meeting := ExtractVideoLink(item.Description, item.Location); meeting != nil {
		remote.VideoLink = &meeting.URL
		remote.VideoPlatform = &meeting.Platform
	}
	return remote, true
}

func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= 500 {
			return errs.Wrap(errs.ProviderTransient, "Google token refresh is temporarily unavailable", err)
		}
		return errs.Wrap(errs.ProviderFatal, "Google Calendar access was revoked; re-add the account", err)
	}
	return errs.Wrap(errs.ProviderTransient, "Google token refresh failed", err)
}

// classifyStatus maps an HTTP status to the error taxonomy: 429 and 5xx are
// transient, any other 4xx is fatal for the account.
func classifyStatus(provider string, code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return errs.New(errs.ProviderTransient, fmt.Sprintf("%s is rate limiting requests", provider))
	case code >= 500:
		return errs.New(errs.ProviderTransient, fmt.Sprintf("%s is temporarily unavailable", provider))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.New(errs.ProviderFatal, fmt.Sprintf("%s rejected the stored credentials", provider))
	case code >= 400:
		return errs.New(errs.ProviderFatal, fmt.Sprintf("%s rejected the request", provider))
	default:
		return errs.New(errs.ProviderTransient, fmt.Sprintf("%s returned an unexpected response", provider))
	}
}
