// Package calendar implements the provider adapters that pull remote events
// into the store. The core depends only on the Provider capability pair:
// fetch the current event window, and refresh credentials when needed.
package calendar

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/openchime/openchime/internal/config"
	"github.com/openchime/openchime/internal/store"
)

// FetchWindow is how far ahead providers pull events.
const FetchWindow = 7 * 24 * time.Hour

// RemoteEvent is one event as reported by a provider, before it is upserted.
type RemoteEvent struct {
	ExternalID    string
	Title         string
	Description   *string
	StartTime     time.Time
	EndTime       time.Time
	VideoLink     *string
	VideoPlatform *string
}

// Provider is the capability set a calendar source implements. New
// providers are added by implementing these two methods and registering an
// instance under its provider tag in the map handed to syncer.New.
type Provider interface {
	// FetchEvents returns the account's events in [now, now+FetchWindow].
	FetchEvents(ctx context.Context, account *store.Account) ([]RemoteEvent, error)

	// RefreshIfNeeded refreshes near-expiry credentials and persists them.
	// A no-op for providers without refreshable credentials.
	RefreshIfNeeded(ctx context.Context, account *store.Account) error
}

// CredentialWriter is the slice of the store providers need to persist
// refreshed credentials.
type CredentialWriter interface {
	UpdateAuth(ctx context.Context, id int64, authData string, refreshToken *string) error
}

// NewHTTPClient builds the resty client all provider calls share: TLS 1.2+,
// certificate validation on, bounded timeouts, named user agent.
func NewHTTPClient() *resty.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.HTTPConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	return resty.New().
		SetTransport(transport).
		SetTimeout(config.HTTPRequestTimeout).
		SetHeader("User-Agent", config.UserAgent)
}

// ToStoreEvent converts a RemoteEvent for the store upsert.
func (r *RemoteEvent) ToStoreEvent(accountID int64) store.Event {
	return store.Event{
		ExternalID:    r.ExternalID,
		AccountID:     accountID,
		Title:         r.Title,
		Description:   r.Description,
		StartTime:     r.StartTime.UTC(),
		EndTime:       r.EndTime.UTC(),
		VideoLink:     r.VideoLink,
		VideoPlatform: r.VideoPlatform,
	}
}
