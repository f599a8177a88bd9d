package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchime/openchime/internal/config"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/store"
)

func googleTestAccount(t *testing.T, expiry time.Time) *store.Account {
	t.Helper()
	bundle, err := json.Marshal(TokenBundle{
		AccessToken: "ya29.test",
		TokenType:   "Bearer",
		Expiry:      expiry,
	})
	require.NoError(t, err)
	refresh := "1//refresh"
	return &store.Account{
		ID: 1, Provider: store.ProviderGoogle, AccountName: "user@gmail.com",
		AuthData: string(bundle), RefreshToken: &refresh,
	}
}

func testGoogleConfig() *config.Config {
	return &config.Config{
		GoogleClientID:     "id.apps.googleusercontent.com",
		GoogleClientSecret: "secret",
	}
}

// googleEventsPayload mirrors the slice of the events.list response we read.
func googleEventsPayload(start time.Time) string {
	page := map[string]any{
		"items": []map[string]any{
			{
				"id":      "gev-1",
				"status":  "confirmed",
				"summary": "1:1",
				"start":   map[string]any{"dateTime": start.Format(time.RFC3339)},
				"end":     map[string]any{"dateTime": start.Add(30 * time.Minute).Format(time.RFC3339)},
				"hangoutLink": "https://meet.google.com/xyz-abcd-efg",
			},
			{
				"id":          "gev-2",
				"status":      "confirmed",
				"summary":     "External review",
				"description": "Dial in: https://zoom.us/j/555001234",
				"start":       map[string]any{"dateTime": start.Add(time.Hour).Format(time.RFC3339)},
				"end":         map[string]any{"dateTime": start.Add(2 * time.Hour).Format(time.RFC3339)},
			},
			{
				"id":     "gev-cancelled",
				"status": "cancelled",
			},
		},
	}
	encoded, _ := json.Marshal(page)
	return string(encoded)
}

func TestConvertGoogleEvent_HangoutLinkWins(t *testing.T) {
	start := time.Now().UTC().Add(time.Hour)
	item := googleEvent{
		ID:          "g-1",
		Status:      "confirmed",
		Summary:     "sync",
		Description: "also https://zoom.us/j/999",
		HangoutLink: "https://meet.google.com/aaa-bbbb-ccc",
		Start:       &googleEventTime{DateTime: &start},
	}
	remote, ok := convertGoogleEvent(item)
	require.True(t, ok)
	require.NotNil(t, remote.VideoLink)
	assert.Equal(t, "https://meet.google.com/aaa-bbbb-ccc", *remote.VideoLink)
	assert.Equal(t, "Google Meet", *remote.VideoPlatform)
	// Missing end defaults to an hour.
	assert.True(t, remote.EndTime.Equal(start.Add(time.Hour)))
}

func TestConvertGoogleEvent_SkipsCancelledAndStartless(t *testing.T) {
	_, ok := convertGoogleEvent(googleEvent{ID: "x", Status: "cancelled"})
	assert.False(t, ok)
	_, ok = convertGoogleEvent(googleEvent{ID: "y", Status: "confirmed"})
	assert.False(t, ok)
}

func TestGoogleFetchEvents_PaginatesAndConverts(t *testing.T) {
	start := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)

	var requests int
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		require.Equal(t, "Bearer ya29.test", r.Header.Get("Authorization"))
		require.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		require.Equal(t, "startTime", r.URL.Query().Get("orderBy"))

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"items":[{"id":"gev-0","status":"confirmed","summary":"early",`+
				`"start":{"dateTime":"`+start.Format(time.RFC3339)+`"},`+
				`"end":{"dateTime":"`+start.Add(time.Minute*15).Format(time.RFC3339)+`"}}],"nextPageToken":"page2"}`)
			return
		}
		fmt.Fprint(w, googleEventsPayload(start))
	}))
	defer server.Close()

	provider := NewGoogleProvider(testGoogleConfig(), resty.NewWithClient(server.Client()), nil)
	account := googleTestAccount(t, time.Now().Add(time.Hour))

	provider.eventsURL = server.URL
	events, err := provider.FetchEvents(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 2, requests, "pagination must follow nextPageToken")
	require.Len(t, events, 3, "cancelled events are skipped")

	assert.Equal(t, "gev-0", events[0].ExternalID)
	assert.Equal(t, "gev-1", events[1].ExternalID)
	require.NotNil(t, events[1].VideoLink)
	assert.Equal(t, "Google Meet", *events[1].VideoPlatform)
	require.NotNil(t, events[2].VideoLink)
	assert.Equal(t, "Zoom", *events[2].VideoPlatform)
}

func TestGoogleFetchEvents_UnauthorizedIsFatal(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":401}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewGoogleProvider(testGoogleConfig(), resty.NewWithClient(server.Client()), nil)
	account := googleTestAccount(t, time.Now().Add(time.Hour))

	provider.eventsURL = server.URL
	_, err := provider.FetchEvents(context.Background(), account)
	require.Error(t, err)
	assert.Equal(t, errs.ProviderFatal, errs.CodeOf(err))
}

func TestGoogleFetchEvents_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	provider := NewGoogleProvider(testGoogleConfig(), resty.NewWithClient(server.Client()), nil)
	account := googleTestAccount(t, time.Now().Add(time.Hour))

	provider.eventsURL = server.URL
	_, err := provider.FetchEvents(context.Background(), account)
	require.Error(t, err)
	assert.Equal(t, errs.ProviderTransient, errs.CodeOf(err))
}

func TestGoogleFetchEvents_GarbageCredentialsFatal(t *testing.T) {
	provider := NewGoogleProvider(testGoogleConfig(), resty.New(), nil)
	account := &store.Account{ID: 1, Provider: store.ProviderGoogle, AuthData: "not-json"}

	_, err := provider.FetchEvents(context.Background(), account)
	require.Error(t, err)
	assert.Equal(t, errs.ProviderFatal, errs.CodeOf(err))
}

func TestRefreshIfNeeded_SkipsFreshToken(t *testing.T) {
	provider := NewGoogleProvider(testGoogleConfig(), resty.New(), failingCredWriter{t})
	account := googleTestAccount(t, time.Now().Add(time.Hour))

	// Far from expiry: no refresh, no persistence.
	require.NoError(t, provider.RefreshIfNeeded(context.Background(), account))
}

func TestRefreshIfNeeded_NoRefreshTokenIsNoop(t *testing.T) {
	provider := NewGoogleProvider(testGoogleConfig(), resty.New(), failingCredWriter{t})
	account := googleTestAccount(t, time.Now().Add(-time.Hour))
	account.RefreshToken = nil

	require.NoError(t, provider.RefreshIfNeeded(context.Background(), account))
}

type failingCredWriter struct{ t *testing.T }

func (w failingCredWriter) UpdateAuth(context.Context, int64, string, *string) error {
	w.t.Fatal("UpdateAuth must not be called")
	return nil
}
